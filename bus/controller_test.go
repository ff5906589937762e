// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bus

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	conn "periph.io/x/conn/v3/onewire"

	"github.com/go-1wire/owbus/backend"
	"github.com/go-1wire/owbus/enumerate"
	"github.com/go-1wire/owbus/executor"
	"github.com/go-1wire/owbus/onewire"
)

// fakePinTransport is a no-op transport.Transport, just enough to prove
// Init's pin-designator path actually constructs a Firmware backend over
// whatever is handed to WithPinTransport, rather than hard-erroring.
type fakePinTransport struct{ closed bool }

func (f *fakePinTransport) SetBaud(int) error                   { return nil }
func (f *fakePinTransport) Write(b []byte) (int, error)         { return len(b), nil }
func (f *fakePinTransport) Read([]byte, time.Time) (int, error) { return 0, nil }
func (f *fakePinTransport) ResetErrors() error                  { return nil }
func (f *fakePinTransport) Close() error                        { f.closed = true; return nil }

// fakeBackend is the same scripted-struct style as enumerate's fakeBackend
// and backend's fakeTransport, extended with SetSearchSeed so it also
// satisfies the package's unexported searchSeeder interface.
type fakeBackend struct {
	resets     []bool
	resetIdx   int
	rounds     [][64][2]byte
	round      int
	blockData  []byte
	blockErr   error
	seededID   onewire.RomId
	seededDisc int
}

func (f *fakeBackend) Reset() (bool, error) {
	p := f.resets[f.resetIdx]
	if f.resetIdx < len(f.resets)-1 {
		f.resetIdx++
	}
	return p, nil
}

func (f *fakeBackend) Block(w []byte, readLen int) ([]byte, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	out := make([]byte, readLen)
	copy(out, f.blockData)
	return out, nil
}

func (f *fakeBackend) Kind() backend.Kind           { return backend.Active }
func (f *fakeBackend) String() string               { return "fake" }
func (f *fakeBackend) LevelChange(conn.Pullup) error { return nil }
func (f *fakeBackend) Close() error                 { return nil }

func (f *fakeBackend) SetSearchSeed(prev onewire.RomId, lastDiscrepancy int) {
	f.seededID = prev
	f.seededDisc = lastDiscrepancy
}

type fixedSource struct {
	pairs [64][2]byte
}

func (s *fixedSource) ReadPair(bit int) (byte, byte, error) {
	p := s.pairs[bit-1]
	return p[0], p[1], nil
}

func (s *fixedSource) WriteDirection(int, byte) error { return nil }

func (f *fakeBackend) NewSearchRound(bool) (onewire.BitSource, error) {
	pairs := f.rounds[f.round]
	if f.round < len(f.rounds)-1 {
		f.round++
	}
	return &fixedSource{pairs: pairs}, nil
}

// newTestController wires a Controller straight onto a fakeBackend,
// bypassing Init's real transport.OpenSerial call — the façade's
// orchestration logic is what's under test here, not serial I/O (that's
// transport's and backend's job, covered by their own tests).
func newTestController(fb *fakeBackend) *Controller {
	logger := log.New(io.Discard, "", 0)
	c := &Controller{
		backend: fb,
		enum:    enumerate.New(fb, logger),
		log:     logger,
		roster:  onewire.NewRoster(),
	}
	c.async = executor.NewAsync(fb, time.Second, logger)
	return c
}

func TestInitPinDesignatorWithoutTransportErrors(t *testing.T) {
	_, err := Init("17", log.New(io.Discard, "", 0))
	require.Error(t, err)
}

func TestInitPinDesignatorSelectsFirmwareBackend(t *testing.T) {
	ft := &fakePinTransport{}
	c, err := Init("17", log.New(io.Discard, "", 0), WithPinTransport(ft))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, backend.Firmware, c.backend.Kind())
}

func TestControllerDiscoverAdoptsRoster(t *testing.T) {
	id, err := onewire.Parse("28.0123456789AB.33")
	require.NoError(t, err)

	var pairs [64][2]byte
	for bit := 1; bit <= 64; bit++ {
		b := id.Bit(bit)
		pairs[bit-1] = [2]byte{b, 1 - b}
	}
	fb := &fakeBackend{resets: []bool{true}, rounds: [][64][2]byte{pairs}}
	c := newTestController(fb)
	defer c.Close()

	diff, err := c.Discover()
	require.NoError(t, err)
	assert.Equal(t, []onewire.RomId{id}, diff.Added)
	assert.True(t, c.Devices().Has(id))
}

func TestControllerDiscoverEmptyBusNoOp(t *testing.T) {
	fb := &fakeBackend{resets: []bool{false}}
	c := newTestController(fb)
	defer c.Close()

	diff, err := c.Discover()
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.Equal(t, 0, c.Devices().Len())
}

func TestControllerVerifySeedsSearchAndChecksCandidate(t *testing.T) {
	id, err := onewire.Parse("28.0123456789AB.33")
	require.NoError(t, err)

	var pairs [64][2]byte
	for bit := 1; bit <= 64; bit++ {
		b := id.Bit(bit)
		pairs[bit-1] = [2]byte{b, 1 - b}
	}
	fb := &fakeBackend{resets: []bool{true}, rounds: [][64][2]byte{pairs}}
	c := newTestController(fb)
	defer c.Close()

	ok, err := c.Verify(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, fb.seededID)
}

func TestControllerVerifyNoPresence(t *testing.T) {
	fb := &fakeBackend{resets: []bool{false}}
	c := newTestController(fb)
	defer c.Close()

	ok, err := c.Verify(onewire.RomId(0))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestControllerComplexCountsTransaction(t *testing.T) {
	fb := &fakeBackend{resets: []bool{true}, blockData: []byte{0x42}}
	c := newTestController(fb)
	defer c.Close()

	data, err := c.Complex(onewire.Transaction{ResetFirst: true, ReadLen: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, data)
	assert.EqualValues(t, 1, c.Stats().Transactions)
}

func TestControllerSubmitDispatchesAsync(t *testing.T) {
	fb := &fakeBackend{resets: []bool{true}, blockData: []byte{0x7}}
	c := newTestController(fb)
	defer c.Close()

	done := make(chan executor.Result, 1)
	c.Submit(context.Background(), onewire.Transaction{ResetFirst: true, ReadLen: 1}, func(r executor.Result) {
		done <- r
	})

	select {
	case r := <-done:
		require.NoError(t, r.Err)
		assert.Equal(t, []byte{0x7}, r.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit: callback never fired")
	}
	assert.EqualValues(t, 1, c.Stats().Transactions)
}

func TestControllerSetIntervalRunsPeriodicKick(t *testing.T) {
	fb := &fakeBackend{resets: []bool{false}}
	c := newTestController(fb)
	defer c.Close()

	c.SetInterval(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	c.SetInterval(0) // stop the ticker before Close races with it
}

func TestControllerKickLogsFollowAlarms(t *testing.T) {
	fb := &fakeBackend{resets: []bool{false}}
	c := newTestController(fb)
	defer c.Close()

	c.SetFollowAlarms(true)
	c.Kick() // must not panic even though Alarms() finds nothing
}
