// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"fmt"
	"time"
)

// Match-ROM and Skip-ROM selection commands (spec glossary).
const (
	cmdMatchROM = 0x55
	cmdSkipROM  = 0xCC
)

// Transaction is the unit of work the executor dispatches: reset, select,
// write, read, delay, in that fixed order (spec §3, §4.6).
type Transaction struct {
	// ResetFirst, if set, emits a 1-wire reset and requires a presence pulse
	// before the rest of the transaction proceeds.
	ResetFirst bool
	// AllowAbsent permits ResetFirst to proceed even without a presence
	// pulse, instead of failing with NoPresence. Rarely used; default false.
	AllowAbsent bool
	// Target selects one device with match-ROM. A nil Target issues
	// skip-ROM, addressing every device on the bus.
	Target *RomId
	// Write is transmitted, LSB-first per byte, after selection.
	Write []byte
	// ReadLen is the number of bytes to collect after Write, one 0xFF
	// time-fill byte per slot.
	ReadLen int
	// Delay is the mandatory wait after the transaction completes, for
	// slave-side conversion or write times.
	Delay time.Duration
	// Context is an opaque token returned verbatim to the completion
	// callback; the core never interprets it.
	Context interface{}
}

// LinkLayer is the protocol-engine primitive a Transaction is composed
// against: a reset/presence operation and a block write+read operation.
// Backends (active/passive/firmware) implement LinkLayer; the composer in
// this file never talks to a Transport directly.
type LinkLayer interface {
	// Reset issues a 1-wire reset and reports whether any device answered
	// with a presence pulse.
	Reset() (presence bool, err error)
	// Block transmits w, then reads back exactly readLen further bytes
	// (each read slot driven by a 0xFF time-fill byte), returning them.
	Block(w []byte, readLen int) ([]byte, error)
}

// Transactor is an optional capability a LinkLayer may implement: package an
// entire Transaction into a single wire exchange instead of Compose driving
// reset/select/write/read as separate LinkLayer calls. Spec §4.6: "for the
// firmware backend, steps 1-5 are packaged into a single coprocessor
// command ... and the result is delivered to the completion callback when
// the coprocessor reports READ_REPLY for the addressed device." Compose
// prefers Transactor when link provides it; active/passive backends don't
// implement it and fall through to the generic multi-step path below, which
// is the only path they need since their wire encodings have no concept of
// a single packaged command.
type Transactor interface {
	Transact(tx Transaction) ([]byte, error)
}

// sleep is overridden in tests.
var sleep = time.Sleep

// Compose runs tx against link: reset (if requested), select (match-ROM or
// skip-ROM), write, read, delay — in that order, as spec §4.6 requires. When
// link also implements Transactor, the whole transaction is handed to it as
// one packaged command instead; the post-completion Delay becomes the
// coprocessor's own responsibility in that case; it is not applied here.
func Compose(tx Transaction, link LinkLayer) ([]byte, error) {
	if t, ok := link.(Transactor); ok {
		return t.Transact(tx)
	}

	if tx.ResetFirst {
		presence, err := link.Reset()
		if err != nil {
			return nil, err
		}
		if !presence && !tx.AllowAbsent {
			return nil, NoPresence("reset before transaction")
		}
	}

	var w []byte
	if tx.Target != nil {
		b := tx.Target.bytes()
		w = make([]byte, 0, 9+len(tx.Write))
		w = append(w, cmdMatchROM)
		w = append(w, b[:]...)
	} else {
		w = make([]byte, 0, 1+len(tx.Write))
		w = append(w, cmdSkipROM)
	}
	w = append(w, tx.Write...)

	r, err := link.Block(w, tx.ReadLen)
	if err != nil {
		return nil, err
	}
	if len(r) != tx.ReadLen {
		return nil, fmt.Errorf("%w: requested %d read bytes, got %d", ErrProtocolFraming, tx.ReadLen, len(r))
	}

	if tx.Delay > 0 {
		sleep(tx.Delay)
	}
	return r, nil
}
