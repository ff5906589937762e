// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import "time"

// fakeTransport is a scripted transport.Transport: Write appends a copy of
// every call to writes for later inspection, Read drains pre-programmed
// reply chunks one at a time. It mirrors the shape of periph-extra's
// d2xxFakeHandle (hostextra/d2xx/driver_test.go): a plain struct with
// exported-enough fields for the test to poke, no mocking framework.
type fakeTransport struct {
	writes  [][]byte
	replies [][]byte
	baud    int
	err     error
	closed  bool
}

func (f *fakeTransport) SetBaud(rate int) error {
	f.baud = rate
	return nil
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func (f *fakeTransport) Read(buf []byte, _ time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if len(f.replies) == 0 {
		// Per the Transport contract, a zero-length nil-error result means
		// the deadline elapsed with nothing available yet.
		return 0, nil
	}
	chunk := f.replies[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		f.replies[0] = chunk[n:]
	} else {
		f.replies = f.replies[1:]
	}
	return n, nil
}

func (f *fakeTransport) ResetErrors() error { return nil }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}
