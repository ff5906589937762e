// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

// Error kinds, not types: every error the core returns wraps one of these
// sentinels so callers can test with errors.Is instead of string matching,
// mirroring periph.io/x/conn/v3/onewire's NoDevicesError / ShortedBusError /
// BusError marker-interface pattern.
import "errors"

var (
	// ErrTransportLost indicates a write came back short or a read returned
	// no data at all: the underlying device node disappeared.
	ErrTransportLost = errors.New("onewire: transport lost")

	// ErrTimeout indicates a deadline expired waiting for bytes or for a
	// completion.
	ErrTimeout = errors.New("onewire: timeout")

	// ErrProtocolFraming indicates an unexpected byte count came back from
	// an active-master command, or a mode-mask mismatch.
	ErrProtocolFraming = errors.New("onewire: protocol framing error")

	// ErrNoPresence indicates a reset was issued and no slave answered.
	ErrNoPresence = errors.New("onewire: no presence pulse")

	// ErrCrcMismatch indicates a ROM or data CRC failed verification.
	ErrCrcMismatch = errors.New("onewire: crc mismatch")

	// ErrBusConflict indicates two devices contended, or a slot sampled as
	// 0b11 when a device was expected to respond.
	ErrBusConflict = errors.New("onewire: bus conflict")

	// ErrCancelled indicates a termination sentinel interrupted the
	// request before or during processing.
	ErrCancelled = errors.New("onewire: cancelled")

	// ErrNotSupported indicates the backend can't perform the requested
	// capability (e.g. LevelChange on a backend without strong pull-up).
	ErrNotSupported = errors.New("onewire: not supported by this backend")
)

// NotSupportedError is a zero-value error satisfying errors.Is(err,
// ErrNotSupported), for backends to return from capabilities they don't
// implement without allocating.
type NotSupportedError struct{}

func (NotSupportedError) Error() string { return ErrNotSupported.Error() }
func (NotSupportedError) Unwrap() error  { return ErrNotSupported }

// BusError is implemented by errors that indicate a problem with the 1-wire
// bus itself (as opposed to the adapter chip or its transport), mirroring
// periph.io/x/conn/v3/onewire.BusError.
type BusError interface {
	BusError() bool
}

// NoDevicesError is implemented by errors indicating no presence pulse was
// observed after a reset.
type NoDevicesError interface {
	NoDevices() bool
}

type noPresenceError struct{ detail string }

func (e *noPresenceError) Error() string {
	if e.detail == "" {
		return ErrNoPresence.Error()
	}
	return ErrNoPresence.Error() + ": " + e.detail
}
func (e *noPresenceError) Unwrap() error  { return ErrNoPresence }
func (e *noPresenceError) NoDevices() bool { return true }
func (e *noPresenceError) BusError() bool  { return true }

// NoPresence builds an error satisfying NoDevicesError, BusError and
// errors.Is(err, ErrNoPresence), optionally annotated with detail (e.g. the
// raw reset reply byte).
func NoPresence(detail string) error {
	return &noPresenceError{detail: detail}
}

type crcError struct{ detail string }

func (e *crcError) Error() string {
	if e.detail == "" {
		return ErrCrcMismatch.Error()
	}
	return ErrCrcMismatch.Error() + ": " + e.detail
}
func (e *crcError) Unwrap() error  { return ErrCrcMismatch }
func (e *crcError) BusError() bool { return true }

// CrcMismatch builds an error satisfying BusError and
// errors.Is(err, ErrCrcMismatch).
func CrcMismatch(detail string) error {
	return &crcError{detail: detail}
}
