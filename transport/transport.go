// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package transport defines the narrow byte-stream contract the backend
// drivers are built on, and its one realization here, a host serial port;
// the firmware backend runs over any Transport the host supplies. The
// backends never see more than this
// contract, so they can be exercised against a fake in tests without any
// real hardware.
package transport

import "time"

// Transport is a platform byte stream with a settable baud rate and
// deadline-bounded reads, matching spec §4.2: open/write/read/timeout.
// Each implementation is owned by the one backend that wraps it; it is
// reached from whichever goroutine calls into that backend.
type Transport interface {
	// SetBaud switches the line rate. The two rates ever used are 9600 (for
	// framed commands and 1-wire resets) and 115200 (for bit-banging).
	SetBaud(rate int) error
	// Write transmits b and reports how many bytes were actually written. A
	// partial write is reported as such; the caller decides whether to
	// retry or abort (spec §4.2).
	Write(b []byte) (int, error)
	// Read collects up to len(buf) bytes, blocking at most until deadline.
	// It returns the bytes actually read; a zero-length, nil-error result
	// means the deadline elapsed with nothing available.
	Read(buf []byte, deadline time.Time) (int, error)
	// ResetErrors clears any transport-level latched error state (framing,
	// overrun) so a fresh attempt isn't poisoned by a prior failure.
	ResetErrors() error
	Close() error
}
