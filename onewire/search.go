// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"errors"
	"fmt"
)

// ErrSearchDone is returned by Next when the previous round already
// observed done=true: the caller must start a fresh SearchState (First) to
// search again.
var ErrSearchDone = errors.New("onewire: search already done")

// SearchState is the three counters the classical 1-wire search algorithm
// threads across successive rounds: the bit index of the most recent branch
// point (1..64), the same confined to the first 8 bits (the family byte),
// and a terminal flag. It is owned by whoever drives the search (normally
// the enumerator) and is private to one search sequence; sharing a
// SearchState across concurrent searches on the same bus is not supported
// any more than the bus itself supports concurrent access.
type SearchState struct {
	lastDiscrepancy       int
	lastFamilyDiscrepancy int
	done                  bool
}

// First resets the state to begin a new search sequence from scratch.
func (s *SearchState) First() {
	*s = SearchState{}
}

// Done reports whether the prior round reached the end of the device tree.
func (s *SearchState) Done() bool {
	return s.done
}

// LastDiscrepancy returns the bit index of the most recent unresolved
// branch point. Backends with a hardware search accelerator (active,
// firmware) read this before NewSearchRound to build their forced-
// direction prefix; it is exported for that reason, not for general use.
func (s *SearchState) LastDiscrepancy() int {
	return s.lastDiscrepancy
}

// clear resets the counters after a CRC failure or a failed bus reset, per
// spec: the enumerator may retry with a fresh reset.
func (s *SearchState) clear() {
	*s = SearchState{}
}

// BitSource is the per-backend primitive the generic search algorithm is
// driven over. ReadPair samples the true and complement bits for the given
// 1-indexed bit position (1..64); WriteDirection commits the direction this
// round chose for that bit. Backends satisfy this differently: the passive
// backend performs two live bus bit-reads then one bit-write per call: the
// active backend answers from a single accelerated 64-bit round trip it
// performs up front, and WriteDirection is a no-op since the direction
// prefix was already transmitted when the round trip was issued.
type BitSource interface {
	ReadPair(bit int) (idBit, cmpBit byte, err error)
	WriteDirection(bit int, direction byte) error
}

// Run executes one round of the classical 1-wire search (spec §4.5) against
// src, threading and updating state, and building on prev (the ROM id found
// by the previous round, used to replay forced directions below the last
// discrepancy). It returns the ROM id found this round.
//
// Run does not itself issue a bus reset; callers are expected to reset and
// check for presence before calling Run, and to clear state on a failed
// reset.
func Run(src BitSource, state *SearchState, prev RomId) (RomId, error) {
	if state.done {
		return Invalid, ErrSearchDone
	}

	var id uint64
	lastZero := 0
	lastFamilyZero := 0

	for bit := 1; bit <= 64; bit++ {
		idBit, cmpBit, err := src.ReadPair(bit)
		if err != nil {
			state.clear()
			return Invalid, err
		}

		var direction byte
		switch {
		case idBit == 1 && cmpBit == 1:
			// A 0b11 sample means nothing answered this bit slot at all.
			// During this search's very first round (no round has completed
			// yet, so lastDiscrepancy is still its zero value from First())
			// that's the empty-bus case: the caller's own reset presence
			// check is what's supposed to catch this, so seeing it here
			// means no device ever responded. From the second round on, a
			// device was expected — the first round already found one and
			// this round is walking back to it — so the same sample here
			// means the bus lost a device mid-sweep or two devices
			// contended unexpectedly, which spec §7 classifies as
			// BusConflict, not NoPresence.
			wasFirstRound := state.lastDiscrepancy == 0
			state.clear()
			if wasFirstRound {
				return Invalid, NoPresence("id_bit and cmp_id_bit both 1 during search")
			}
			return Invalid, fmt.Errorf("%w: id_bit and cmp_id_bit both 1 mid-sweep", ErrBusConflict)
		case idBit != cmpBit:
			direction = idBit
		default:
			// A discrepancy: both 0.
			switch {
			case bit < state.lastDiscrepancy:
				direction = bitAt(prev, bit)
			case bit == state.lastDiscrepancy:
				direction = 1
			default:
				direction = 0
			}
			if direction == 0 {
				lastZero = bit
				if bit < 9 {
					lastFamilyZero = bit
				}
			}
		}

		if err := src.WriteDirection(bit, direction); err != nil {
			state.clear()
			return Invalid, err
		}
		if direction == 1 {
			id |= 1 << uint(bit-1)
		}
	}

	state.lastDiscrepancy = lastZero
	state.lastFamilyDiscrepancy = lastFamilyZero
	state.done = lastZero == 0

	rom := RomId(id)
	if !rom.Valid() {
		state.clear()
		return Invalid, CrcMismatch(rom.String())
	}
	return rom, nil
}

// Verify seeds a throwaway state with last_discrepancy=64 from candidate's
// own bits and runs one search round, reporting whether the round
// reproduces candidate exactly. This is a fixed-point check: every id
// discover() returns must verify true immediately afterwards.
func Verify(src BitSource, candidate RomId) (bool, error) {
	state := SearchState{lastDiscrepancy: 64}
	got, err := Run(src, &state, candidate)
	if err != nil {
		return false, err
	}
	return got == candidate, nil
}
