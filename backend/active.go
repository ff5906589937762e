// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"

	owire "github.com/go-1wire/owbus/onewire"
	"github.com/go-1wire/owbus/transport"
)

// ActiveMaster is a DS2480-class bus master: an active serial adapter that
// frames two sub-channels on one byte stream (command mode and data mode)
// and offers a hardware search accelerator (spec §4.3).
type ActiveMaster struct {
	mu  sync.Mutex
	t   transport.Transport
	log *log.Logger

	inDataMode bool
	alarmFlag  bool

	seedPrev            owire.RomId
	seedLastDiscrepancy int
}

// NewActiveMaster wraps an already-opened, already-classified
// (transport.Detect) serial transport as an Active backend. logger may be
// nil, in which case log.Default() is used — debug output becomes
// constructor-time state instead of the source's process-wide debug level
// (spec §9, Design Note 1).
func NewActiveMaster(t transport.Transport, logger *log.Logger) *ActiveMaster {
	if logger == nil {
		logger = log.Default()
	}
	return &ActiveMaster{t: t, log: logger}
}

// Kind implements Backend.
func (a *ActiveMaster) Kind() Kind { return Active }

// String implements Backend.
func (a *ActiveMaster) String() string { return "DS2480 active master" }

// Close implements Backend.
func (a *ActiveMaster) Close() error { return a.t.Close() }

// AlarmFlag reports the sticky alarm flag last observed on a reset (spec
// §3, §7): set when the reset reply masks to 0b10, cleared when it masks
// to 0b11.
func (a *ActiveMaster) AlarmFlag() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarmFlag
}

// Reset implements onewire.LinkLayer / owire.LinkLayer. It retries once on
// a non-ack reply before surfacing a protocol framing error (spec §7:
// "Protocol framing and transport errors on the active master trigger one
// blind reset-and-retry; a second failure is surfaced.").
func (a *ActiveMaster) Reset() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reply, err := a.doReset()
	if err != nil || reply&0xC0 != 0xC0 {
		reply, err = a.doReset()
		if err != nil {
			return false, err
		}
		if reply&0xC0 != 0xC0 {
			return false, fmt.Errorf("%w: reset ack mask %#02x", owire.ErrProtocolFraming, reply)
		}
	}

	switch reply & 0x03 {
	case 0x03:
		a.alarmFlag = false
		return false, nil
	case 0x02:
		a.alarmFlag = true
		return true, nil
	default:
		return true, nil
	}
}

func (a *ActiveMaster) doReset() (byte, error) {
	if _, err := a.writeAll([]byte{modeCommand, 0xC5}); err != nil {
		return 0, err
	}
	a.inDataMode = false
	raw, err := a.readLoop(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// Block implements owire.LinkLayer: transmits w (prefixing the data-mode
// switch if needed, duplicating any literal 0xE3), then one 0xFF time-fill
// byte per read slot, and returns the readLen echoes that followed w.
func (a *ActiveMaster) Block(w []byte, readLen int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	full := make([]byte, 0, len(w)+readLen)
	full = append(full, w...)
	for i := 0; i < readLen; i++ {
		full = append(full, 0xFF)
	}

	wire := escape(full)
	toSend := wire
	if !a.inDataMode {
		toSend = make([]byte, 0, len(wire)+1)
		toSend = append(toSend, modeData)
		toSend = append(toSend, wire...)
	}
	if _, err := a.writeAll(toSend); err != nil {
		return nil, err
	}
	a.inDataMode = true

	raw, err := a.readLoop(len(wire))
	if err != nil {
		return nil, err
	}
	got := unescape(raw)
	if len(got) != len(full) {
		return nil, fmt.Errorf("%w: echoed %d bytes, want %d", owire.ErrProtocolFraming, len(got), len(full))
	}
	return got[len(w):], nil
}

// LevelChange implements Backend: strong pull-up is 0xE3 0x3F 0xED, normal
// is 0xE3 0xF1 0xED 0xF1; every reply byte masked with 0xEC must equal
// 0xEC for success (spec §4.3).
func (a *ActiveMaster) LevelChange(power onewire.Pullup) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var cmd []byte
	if power == onewire.StrongPullup {
		cmd = []byte{modeCommand, 0x3F, 0xED}
	} else {
		cmd = []byte{modeCommand, 0xF1, 0xED, 0xF1}
	}
	if _, err := a.writeAll(cmd); err != nil {
		return err
	}
	a.inDataMode = false

	raw, err := a.readLoop(len(cmd))
	if err != nil {
		return err
	}
	for _, b := range raw {
		if b&0xEC != 0xEC {
			return fmt.Errorf("%w: level-change reply %#02x", owire.ErrProtocolFraming, b)
		}
	}
	return nil
}

// SetSearchSeed records (prev, lastDiscrepancy) for the next
// NewSearchRound call. The enumerator calls this once per round, right
// before NewSearchRound, using the SearchState left over from the prior
// round (spec §4.5); kept as a separate call instead of extra
// NewSearchRound parameters so the Backend interface stays uniform across
// active/passive/firmware — only the active backend needs the seed ahead
// of time, to build its accelerator frame before the round trip.
func (a *ActiveMaster) SetSearchSeed(prev owire.RomId, lastDiscrepancy int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seedPrev = prev
	a.seedLastDiscrepancy = lastDiscrepancy
}

// NewSearchRound implements Backend using the DS2480 search accelerator: it
// packs the forced-direction prefix last recorded via SetSearchSeed into a
// 16-byte frame, issues the accelerator burst, and returns a BitSource
// pre-loaded with the 64 (id_bit, cmp_id_bit) pairs the hardware read
// back — no further bus I/O happens while the generic search algorithm
// walks the round.
func (a *ActiveMaster) NewSearchRound(alarmOnly bool) (owire.BitSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmdByte := byte(0xF0)
	if alarmOnly {
		cmdByte = 0xEC
	}
	if err := a.sendDataThenCommand([]byte{cmdByte}, 0xB5); err != nil {
		return nil, err
	}

	frame := buildAccelFrame(a.seedPrev, a.seedLastDiscrepancy)
	if err := a.sendDataThenCommand(frame[:], 0xA5); err != nil {
		return nil, err
	}

	raw, err := a.readLoop(16)
	if err != nil {
		return nil, err
	}

	src := &activeSearchSource{}
	for bit := 1; bit <= 64; bit++ {
		byteIdx := (bit - 1) / 4
		shift := uint(((bit - 1) % 4) * 2)
		pair := (raw[byteIdx] >> shift) & 0x03
		discBit := pair & 0x01
		idBit := (pair >> 1) & 0x01
		simID, simCmp := pairFromAccel(idBit, discBit)
		src.pairs[bit-1] = [2]byte{simID, simCmp}
	}
	return src, nil
}

func (a *ActiveMaster) sendDataThenCommand(data []byte, cmd byte) error {
	buf := make([]byte, 0, len(data)*2+3)
	buf = append(buf, modeData)
	buf = append(buf, escape(data)...)
	buf = append(buf, modeCommand, cmd)
	_, err := a.writeAll(buf)
	a.inDataMode = false
	return err
}

// writeAll writes b in full and applies the 40ms post-write backoff spec
// §4.3 calls for.
func (a *ActiveMaster) writeAll(b []byte) (int, error) {
	n, err := a.t.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	if n != len(b) {
		return n, fmt.Errorf("%w: short write %d/%d", owire.ErrTransportLost, n, len(b))
	}
	time.Sleep(40 * time.Millisecond)
	return n, nil
}

// readLoop collects exactly n bytes, 48-byte chunks at a time, sleeping
// 15ms between iterations, up to 100 attempts before timing out — spec
// §4.3's "Backoff" paragraph.
func (a *ActiveMaster) readLoop(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, 48)
	for attempt := 0; len(out) < n && attempt < 100; attempt++ {
		want := n - len(out)
		if want > len(buf) {
			want = len(buf)
		}
		read, err := a.t.Read(buf[:want], time.Now().Add(100*time.Millisecond))
		if err != nil {
			return out, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
		}
		out = append(out, buf[:read]...)
		if len(out) >= n {
			break
		}
		time.Sleep(15 * time.Millisecond)
	}
	if len(out) < n {
		return out, owire.ErrTimeout
	}
	return out, nil
}

// activeSearchSource is the BitSource built from one accelerator round
// trip: every pair is already known, so ReadPair never touches the bus and
// WriteDirection is a no-op (the direction prefix was already transmitted
// when the round trip was issued).
type activeSearchSource struct {
	pairs [64][2]byte
}

func (s *activeSearchSource) ReadPair(bit int) (byte, byte, error) {
	p := s.pairs[bit-1]
	return p[0], p[1], nil
}

func (s *activeSearchSource) WriteDirection(int, byte) error { return nil }

// pairFromAccel translates one (id_bit, disc_bit) pair read back from the
// accelerator into the (id_bit, cmp_id_bit) shape the generic search
// algorithm expects: a discrepancy reads back as "both zero" (forcing the
// algorithm's last_discrepancy bookkeeping), a clean bit reads back as
// (id_bit, !id_bit) so the algorithm just takes id_bit directly.
func pairFromAccel(idBit, discBit byte) (byte, byte) {
	if discBit == 1 {
		return 0, 0
	}
	return idBit, 1 - idBit
}

// buildAccelFrame packs the 64 forced-direction bits below and at
// lastDiscrepancy into the 16-byte request the search accelerator expects:
// 4 branches per byte, 2 bits per branch, direction in the high bit of the
// pair and the forced/known flag in the low bit (spec §4.3: "pack 16 bytes
// of direction bits ... in the high bit of each 2-bit pair").
func buildAccelFrame(prev owire.RomId, lastDiscrepancy int) [16]byte {
	var frame [16]byte
	for bit := 1; bit <= 64; bit++ {
		forced := lastDiscrepancy != 0 && bit <= lastDiscrepancy
		var direction byte
		if forced {
			if bit == lastDiscrepancy {
				direction = 1
			} else {
				direction = prev.Bit(bit)
			}
		}
		pair := byte(0)
		if direction == 1 {
			pair |= 0x02
		}
		if forced {
			pair |= 0x01
		}
		byteIdx := (bit - 1) / 4
		shift := uint(((bit - 1) % 4) * 2)
		frame[byteIdx] |= pair << shift
	}
	return frame
}

var _ Backend = (*ActiveMaster)(nil)
