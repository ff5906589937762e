// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package enumerate

import (
	"testing"

	conn "periph.io/x/conn/v3/onewire"

	"github.com/go-1wire/owbus/backend"
	"github.com/go-1wire/owbus/onewire"
)

type fixedSource struct {
	pairs [64][2]byte
}

func (s *fixedSource) ReadPair(bit int) (byte, byte, error) {
	p := s.pairs[bit-1]
	return p[0], p[1], nil
}

func (s *fixedSource) WriteDirection(int, byte) error { return nil }

// fakeBackend scripts a fixed sequence of resets and search rounds,
// grounded in the same "plain struct, no mocking framework" style as
// backend.fakeTransport.
type fakeBackend struct {
	resets   []bool
	resetIdx int
	rounds   [][64][2]byte
	round    int
}

func (f *fakeBackend) Reset() (bool, error) {
	p := f.resets[f.resetIdx]
	if f.resetIdx < len(f.resets)-1 {
		f.resetIdx++
	}
	return p, nil
}

func (f *fakeBackend) Block([]byte, int) ([]byte, error) { return nil, nil }
func (f *fakeBackend) Kind() backend.Kind                { return backend.Active }
func (f *fakeBackend) String() string                    { return "fake" }
func (f *fakeBackend) LevelChange(conn.Pullup) error      { return nil }
func (f *fakeBackend) Close() error                       { return nil }

func (f *fakeBackend) NewSearchRound(bool) (onewire.BitSource, error) {
	pairs := f.rounds[f.round]
	if f.round < len(f.rounds)-1 {
		f.round++
	}
	return &fixedSource{pairs: pairs}, nil
}

func TestDiscoverEmptyBus(t *testing.T) {
	fb := &fakeBackend{resets: []bool{false}}
	e := New(fb, nil)

	roster, diff, err := e.Discover(nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if roster.Len() != 0 {
		t.Fatalf("Discover: want empty roster, got %d devices", roster.Len())
	}
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("Discover: want empty diff, got %+v", diff)
	}
}

func TestDiscoverSingleDevice(t *testing.T) {
	id, err := onewire.Parse("28.0123456789AB.33")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var pairs [64][2]byte
	for bit := 1; bit <= 64; bit++ {
		b := id.Bit(bit)
		pairs[bit-1] = [2]byte{b, 1 - b}
	}
	fb := &fakeBackend{resets: []bool{true}, rounds: [][64][2]byte{pairs}}
	e := New(fb, nil)

	roster, diff, err := e.Discover(nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if roster.Len() != 1 || !roster.Has(id) {
		t.Fatalf("Discover: want roster containing %s, got %v", id, roster.List())
	}
	if len(diff.Added) != 1 || diff.Added[0] != id {
		t.Fatalf("Discover: want Added=[%s], got %+v", id, diff.Added)
	}
}

func TestDiscoverMidSweepPresenceLossIsAnError(t *testing.T) {
	id, err := onewire.Parse("28.0123456789AB.33")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var pairs [64][2]byte
	for bit := 1; bit <= 64; bit++ {
		b := id.Bit(bit)
		if bit == 1 {
			// force a discrepancy at bit 1 so a second round is needed.
			pairs[bit-1] = [2]byte{0, 0}
		} else {
			pairs[bit-1] = [2]byte{b, 1 - b}
		}
	}
	fb := &fakeBackend{resets: []bool{true, false}, rounds: [][64][2]byte{pairs}}
	e := New(fb, nil)

	if _, _, err := e.Discover(nil); err == nil {
		t.Fatalf("Discover: want an error when presence is lost mid-sweep")
	}
}
