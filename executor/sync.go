// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package executor

import "github.com/go-1wire/owbus/onewire"

// Sync is the blocking call-through executor: Execute composes and runs
// tx on the caller's own goroutine, returning only once the whole
// transaction (including its mandatory post-delay) has completed.
type Sync struct {
	Link onewire.LinkLayer
}

// NewSync returns a Sync executor over link.
func NewSync(link onewire.LinkLayer) *Sync {
	return &Sync{Link: link}
}

// Execute runs tx to completion and returns what it read.
func (s *Sync) Execute(tx onewire.Transaction) ([]byte, error) {
	return onewire.Compose(tx, s.Link)
}
