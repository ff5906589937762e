// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "sort"

// Roster is the set of ROM ids the enumerator last observed, either present
// on the bus or asserting an alarm condition. Every element is guaranteed
// CRC-valid: Run never returns an invalid RomId without an error.
type Roster struct {
	ids map[RomId]struct{}
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{ids: map[RomId]struct{}{}}
}

// Add inserts id, if not already present.
func (r *Roster) Add(id RomId) {
	if r.ids == nil {
		r.ids = map[RomId]struct{}{}
	}
	r.ids[id] = struct{}{}
}

// Has reports whether id is in the roster.
func (r *Roster) Has(id RomId) bool {
	_, ok := r.ids[id]
	return ok
}

// Len reports the number of ids in the roster.
func (r *Roster) Len() int {
	return len(r.ids)
}

// List returns a sorted snapshot copy of the roster's ids. Callers read the
// roster only through such snapshots; the enumerator is the sole writer.
func (r *Roster) List() []RomId {
	out := make([]RomId, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Diff is the structural difference between two successive roster
// snapshots, consumed by the host's autocreate/adopt/retire policy (spec
// §4.9: "the core only publishes the roster diff").
type Diff struct {
	Added   []RomId
	Removed []RomId
}

// DiffAgainst computes the Diff needed to turn prev into r.
func (r *Roster) DiffAgainst(prev *Roster) Diff {
	var d Diff
	for id := range r.ids {
		if prev == nil || !prev.Has(id) {
			d.Added = append(d.Added, id)
		}
	}
	if prev != nil {
		for id := range prev.ids {
			if !r.Has(id) {
				d.Removed = append(d.Removed, id)
			}
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i] < d.Added[j] })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i] < d.Removed[j] })
	return d
}

// Clone returns an independent copy, so the enumerator can keep building a
// new roster while a previous snapshot is still being read by a client.
func (r *Roster) Clone() *Roster {
	out := NewRoster()
	for id := range r.ids {
		out.ids[id] = struct{}{}
	}
	return out
}
