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

// PassiveMaster is a DS9097-class bus master: a passive adapter with no
// framing of its own, bit-banged entirely from the host side by exploiting
// UART start-bit timing at two baud rates — 115200 for individual 1-wire
// bit slots, 9600 for the long low pulse a bus reset needs (spec §4.3).
type PassiveMaster struct {
	mu  sync.Mutex
	t   transport.Transport
	log *log.Logger

	lastResetReply byte
}

// NewPassiveMaster wraps an already-opened serial transport as a Passive
// backend.
func NewPassiveMaster(t transport.Transport, logger *log.Logger) *PassiveMaster {
	if logger == nil {
		logger = log.Default()
	}
	return &PassiveMaster{t: t, log: logger}
}

// Kind implements Backend.
func (p *PassiveMaster) Kind() Kind { return Passive }

// String implements Backend.
func (p *PassiveMaster) String() string { return "DS9097 passive master" }

// Close implements Backend.
func (p *PassiveMaster) Close() error { return p.t.Close() }

// PresenceLevel returns the raw byte the UART read back during the last
// Reset's 9600-baud reset slot. The spec leaves open whether callers should
// ever see this diagnostic byte (§9 Open Questions); it is exposed here
// rather than discarded so a future caller can decide, without requiring a
// change to the LinkLayer contract.
//
// TODO: decide whether bus.Controller should surface this on its Stats()
// snapshot once a real adapter's reply distribution is characterized.
func (p *PassiveMaster) PresenceLevel() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastResetReply
}

// Reset implements owire.LinkLayer. A reset is one byte (0xF0) written at
// 9600 baud, producing a low pulse long enough to satisfy the 1-wire reset
// timing; presence is read back as whatever the UART sampled during that
// slot, which differs from the transmitted byte if a device answered with
// a presence pulse.
func (p *PassiveMaster) Reset() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.t.SetBaud(9600); err != nil {
		return false, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	if _, err := p.t.Write([]byte{0xF0}); err != nil {
		return false, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}

	buf := make([]byte, 1)
	n, err := p.t.Read(buf, time.Now().Add(200*time.Millisecond))
	if err != nil {
		return false, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	if n == 0 {
		return false, owire.ErrTimeout
	}
	p.lastResetReply = buf[0]

	if err := p.t.SetBaud(115200); err != nil {
		return false, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	return buf[0] != 0xF0, nil
}

// touchBit drives one 1-wire time slot: writing bit=1 releases the bus
// after the UART's brief start-bit pulse (a "read" slot, since a device
// can still pull the line low the rest of the way), writing bit=0 holds it
// low for the whole slot. The echoed byte is 0xFF only if nothing pulled
// the line low, which is how the sampled bit value is recovered either
// way.
func (p *PassiveMaster) touchBit(bit byte) (byte, error) {
	out := byte(0x00)
	if bit == 1 {
		out = 0xFF
	}
	if _, err := p.t.Write([]byte{out}); err != nil {
		return 0, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	buf := make([]byte, 1)
	n, err := p.t.Read(buf, time.Now().Add(50*time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", owire.ErrTransportLost, err)
	}
	if n == 0 {
		return 0, owire.ErrTimeout
	}
	if buf[0] == 0xFF {
		return 1, nil
	}
	return 0, nil
}

// writeByteLSBFirst sends b as 8 individual time slots, LSB first — the
// order every 1-wire command and ROM byte is transmitted in.
func (p *PassiveMaster) writeByteLSBFirst(b byte) error {
	for i := 0; i < 8; i++ {
		if _, err := p.touchBit((b >> uint(i)) & 1); err != nil {
			return err
		}
	}
	return nil
}

// readByteLSBFirst samples 8 time slots (each a release-and-sample touch)
// and assembles them LSB first into one byte.
func (p *PassiveMaster) readByteLSBFirst() (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		bit, err := p.touchBit(1)
		if err != nil {
			return 0, err
		}
		b |= bit << uint(i)
	}
	return b, nil
}

// Block implements owire.LinkLayer by bit-banging w out LSB-first byte by
// byte, then reading back readLen bytes the same way.
func (p *PassiveMaster) Block(w []byte, readLen int) ([]byte, error) {
	for _, b := range w {
		if err := p.writeByteLSBFirst(b); err != nil {
			return nil, err
		}
	}
	out := make([]byte, readLen)
	for i := range out {
		b, err := p.readByteLSBFirst()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// LevelChange implements Backend. A passive adapter has no way to drive a
// strong pull-up itself.
func (p *PassiveMaster) LevelChange(onewire.Pullup) error {
	return ErrNotSupported
}

// NewSearchRound implements Backend: it bit-bangs the search command byte
// (0xF0 or 0xEC) out, then returns a BitSource that drives the rest of the
// round live, one triplet (two reads, one write) per bit, matching a real
// DS9097's complete lack of a search accelerator.
func (p *PassiveMaster) NewSearchRound(alarmOnly bool) (owire.BitSource, error) {
	cmd := byte(0xF0)
	if alarmOnly {
		cmd = 0xEC
	}
	if err := p.writeByteLSBFirst(cmd); err != nil {
		return nil, err
	}
	return &passiveSearchSource{p: p}, nil
}

// passiveSearchSource drives one bit of the search per ReadPair/
// WriteDirection call directly against the bus — the mirror image of
// activeSearchSource, which answers from a pre-fetched accelerator frame.
type passiveSearchSource struct {
	p *PassiveMaster
}

func (s *passiveSearchSource) ReadPair(int) (byte, byte, error) {
	idBit, err := s.p.touchBit(1)
	if err != nil {
		return 0, 0, err
	}
	cmpBit, err := s.p.touchBit(1)
	if err != nil {
		return 0, 0, err
	}
	return idBit, cmpBit, nil
}

func (s *passiveSearchSource) WriteDirection(_ int, direction byte) error {
	_, err := s.p.touchBit(direction)
	return err
}

var _ Backend = (*PassiveMaster)(nil)
