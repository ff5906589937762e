// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package enumerate implements the discover and alarm-scan loops (spec
// §4.7): repeatedly reset-and-search a bus until the search algorithm
// reports it has walked the whole device tree, building a DeviceRoster as
// it goes.
package enumerate

import (
	"errors"
	"fmt"
	"log"

	"github.com/go-1wire/owbus/backend"
	"github.com/go-1wire/owbus/onewire"
)

// maxRounds bounds a single sweep: 256 rounds is far more than any real
// 1-wire tree depth (64 bits, so at most 64 discrepancies) but cheap
// insurance against a misbehaving backend that never reports done.
const maxRounds = 256

// searchSeeder is implemented by backends with a hardware search
// accelerator (ActiveMaster, FirmwareMaster) that need the forced-
// direction prefix before NewSearchRound; PassiveMaster doesn't implement
// it and Enumerator skips the seed step entirely in that case.
type searchSeeder interface {
	SetSearchSeed(prev onewire.RomId, lastDiscrepancy int)
}

// Enumerator drives one backend's search rounds into a Roster. It holds no
// bus-wide locking itself and runs on the caller's goroutine (bus.Controller
// calls it directly, not through the executor).
type Enumerator struct {
	Backend backend.Backend
	Log     *log.Logger
}

// New returns an Enumerator over b. logger may be nil (log.Default() is
// used).
func New(b backend.Backend, logger *log.Logger) *Enumerator {
	if logger == nil {
		logger = log.Default()
	}
	return &Enumerator{Backend: b, Log: logger}
}

// Discover runs a full normal-search sweep (spec §4.7, command 0xF0) and
// returns the resulting roster together with its diff against prev (prev
// may be nil for a first run).
func (e *Enumerator) Discover(prev *onewire.Roster) (*onewire.Roster, onewire.Diff, error) {
	return e.sweep(false, prev)
}

// Alarms runs a full alarm-search sweep (command 0xEC), returning only
// devices currently asserting an alarm condition.
func (e *Enumerator) Alarms(prev *onewire.Roster) (*onewire.Roster, onewire.Diff, error) {
	return e.sweep(true, prev)
}

func (e *Enumerator) sweep(alarmOnly bool, prev *onewire.Roster) (*onewire.Roster, onewire.Diff, error) {
	roster := onewire.NewRoster()
	var state onewire.SearchState
	state.First()

	var last onewire.RomId
	for round := 0; ; round++ {
		if round >= maxRounds {
			return nil, onewire.Diff{}, fmt.Errorf("enumerate: exceeded %d rounds without the search reporting done", maxRounds)
		}

		presence, err := e.Backend.Reset()
		if err != nil {
			return nil, onewire.Diff{}, err
		}
		if !presence {
			if round == 0 {
				// An empty bus on the very first reset isn't a failure:
				// it's a valid, empty roster.
				return roster, roster.DiffAgainst(prev), nil
			}
			return nil, onewire.Diff{}, onewire.NoPresence("enumerator: reset returned no presence mid-sweep")
		}

		if seeder, ok := e.Backend.(searchSeeder); ok {
			seeder.SetSearchSeed(last, state.LastDiscrepancy())
		}

		src, err := e.Backend.NewSearchRound(alarmOnly)
		if err != nil {
			return nil, onewire.Diff{}, err
		}

		id, err := onewire.Run(src, &state, last)
		if err != nil {
			if errors.Is(err, onewire.ErrCrcMismatch) {
				e.Log.Printf("enumerate: crc mismatch, aborting sweep: %v", err)
			}
			return nil, onewire.Diff{}, err
		}

		roster.Add(id)
		last = id
		if state.Done() {
			break
		}
	}

	return roster, roster.DiffAgainst(prev), nil
}
