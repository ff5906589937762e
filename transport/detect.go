// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"time"
)

// DetectedKind is the result of the active/passive auto-detection handshake
// (spec §6). It intentionally knows nothing about the backend package's own
// BackendKind enum so that transport has no dependency on backend.
type DetectedKind int

const (
	// KindUnknown means detection hasn't run or exhausted its retries.
	KindUnknown DetectedKind = iota
	// KindActive means a DS2480-class active master answered the probe.
	KindActive
	// KindPassive means no active master answered and the line behaves like
	// a DS9097-class passive (bit-banged) adapter.
	KindPassive
)

func (k DetectedKind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindPassive:
		return "passive"
	default:
		return "unknown"
	}
}

var (
	timingByte = []byte{0xC1}
	probe      = []byte{0x17, 0x45, 0x5B, 0x0F, 0x91}

	replyActiveFirst1 = []byte{0x16, 0x44, 0x5A, 0x00, 0x90}
	replyActiveFirst2 = []byte{0x16, 0x44, 0x5A, 0x00, 0x93}
	replyActiveRedect = []byte{0x17, 0x45, 0x5B, 0x0F, 0x91}

	replyPassive1 = []byte{0x17, 0x0A, 0x5B, 0x0F, 0x02}
	replyPassive2 = []byte{0x00, 0x17, 0x0A, 0x5B, 0x0F, 0x02}
	replyPassive3 = []byte{0x30, 0xF8, 0x00}
)

// Detect sets t to 9600 baud (the caller is expected to have opened it 8N1
// already) and runs the active/passive handshake: send the timing byte,
// then up to 100 times send the probe, read up to 8 bytes back and classify
// the reply (the recognized replies are 3 to 6 bytes long).
// On 100 unclassifiable replies it reports the transport unusable.
func Detect(t Transport) (DetectedKind, error) {
	if err := t.SetBaud(9600); err != nil {
		return KindUnknown, err
	}
	if _, err := t.Write(timingByte); err != nil {
		return KindUnknown, err
	}

	buf := make([]byte, 8)
	for attempt := 0; attempt < 100; attempt++ {
		if _, err := t.Write(probe); err != nil {
			return KindUnknown, err
		}
		n, err := t.Read(buf, time.Now().Add(200*time.Millisecond))
		if err != nil {
			return KindUnknown, err
		}
		reply := buf[:n]
		switch {
		case bytes.Equal(reply, replyActiveFirst1), bytes.Equal(reply, replyActiveFirst2), bytes.Equal(reply, replyActiveRedect):
			return KindActive, nil
		case bytes.Equal(reply, replyPassive1), bytes.Equal(reply, replyPassive2), bytes.Equal(reply, replyPassive3):
			return KindPassive, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return KindUnknown, ErrDetectFailed
}

// ErrDetectFailed is returned by Detect when 100 probe attempts all came
// back unclassifiable: the transport is declared unusable.
var ErrDetectFailed = errDetectFailed{}

type errDetectFailed struct{}

func (errDetectFailed) Error() string { return "transport: backend auto-detection failed" }
