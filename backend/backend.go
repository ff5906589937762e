// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package backend implements the tri-backend adapter layer: one concrete
// driver per wire encoding sharing the onewire.LinkLayer and
// onewire.BitSource contracts, so the protocol engine and the transaction
// composer in package onewire are backend-agnostic (spec §9, Design Note:
// "Polymorphism across backends").
package backend

import (
	"periph.io/x/conn/v3/onewire"

	owire "github.com/go-1wire/owbus/onewire"
)

// Kind tags which of the three wire encodings a Backend speaks.
type Kind int

const (
	// Active is the DS2480-class command/data-mode framed master.
	Active Kind = iota
	// Passive is the DS9097-class bit-banged master.
	Passive
	// Firmware is the FRM coprocessor-offload master.
	Firmware
)

func (k Kind) String() string {
	switch k {
	case Active:
		return "active"
	case Passive:
		return "passive"
	case Firmware:
		return "firmware"
	default:
		return "unknown"
	}
}

// Backend is the capability set every backend implements: reset and block
// I/O (satisfying owire.LinkLayer so the transaction composer works
// unmodified against any backend), plus the search primitives needed by
// the generic search algorithm. LevelChange is optional — the active
// backend drives a strong pull-up itself and the firmware backend forwards
// the request to its coprocessor; the passive backend can't and returns
// ErrNotSupported.
type Backend interface {
	owire.LinkLayer

	Kind() Kind
	String() string

	// NewSearchRound returns a fresh owire.BitSource for one round of the
	// search algorithm, reset and ready at bit 1. alarmOnly selects the
	// alarm-search command (0xEC) instead of the normal search (0xF0).
	NewSearchRound(alarmOnly bool) (owire.BitSource, error)

	// LevelChange drives a strong pull-up (power) or returns the bus to a
	// normal weak pull-up.
	LevelChange(power onewire.Pullup) error

	Close() error
}

// ErrNotSupported is returned by backend operations a given Kind can't
// perform (e.g. LevelChange on the passive backend).
var ErrNotSupported = owire.NotSupportedError{}
