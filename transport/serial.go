// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Serial is a Transport backed by a real host serial device (a USB-serial
// DS2480/DS9097 adapter, or a TCP-to-serial bridge such as a LinkHub
// CUNO/COC interface tunneled through a local pty). It is built on
// github.com/tarm/serial, the same library seedhammer.com's mjolnir
// driver uses to talk to its own serial peripheral.
//
// tarm/serial has no API to change the baud rate of an already-open port,
// so SetBaud closes and reopens the device. This makes the passive
// backend's baud switch around every reset (9600 for the reset pulse, back
// to 115200 for bit-banging) noticeably more expensive over this transport
// than over a termios-level implementation.
type Serial struct {
	mu   sync.Mutex
	name string
	port *serial.Port
	baud int
}

// OpenSerial opens name at the given initial baud rate, 8 data bits, no
// parity, 1 stop bit, no handshake — the framing every DS2480/DS9097
// adapter expects.
func OpenSerial(name string, baud int) (*Serial, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	return &Serial{name: name, port: p, baud: baud}, nil
}

// SetBaud implements Transport.
func (s *Serial) SetBaud(rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate == s.baud {
		return nil
	}
	if s.port != nil {
		_ = s.port.Close()
	}
	p, err := serial.OpenPort(&serial.Config{Name: s.name, Baud: rate, ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		s.port = nil
		return fmt.Errorf("transport: reopen %s at %d baud: %w", s.name, rate, err)
	}
	s.port = p
	s.baud = rate
	return nil
}

// Write implements Transport.
func (s *Serial) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, fmt.Errorf("transport: %s: %w", s.name, ErrClosed)
	}
	n, err := s.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("transport: write %s: %w", s.name, err)
	}
	return n, nil
}

// Read implements Transport. tarm/serial's ReadTimeout is fixed at open
// time, so Read loops short reads against it until either data arrives or
// deadline passes.
func (s *Serial) Read(buf []byte, deadline time.Time) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, fmt.Errorf("transport: %s: %w", s.name, ErrClosed)
	}
	total := 0
	for total < len(buf) {
		n, err := port.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("transport: read %s: %w", s.name, err)
		}
		if n > 0 {
			return total, nil
		}
		if time.Now().After(deadline) {
			return total, nil
		}
	}
	return total, nil
}

// ResetErrors implements Transport by flushing any buffered input, so a
// prior framing error doesn't leak stale bytes into the next command.
func (s *Serial) ResetErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	return s.port.Flush()
}

// Close implements Transport.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// ErrClosed is returned by operations on a Serial transport that has
// already been closed (or failed to reopen after a SetBaud).
var ErrClosed = fmt.Errorf("transport: closed")
