// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package executor implements the two transaction-dispatch modes spec §5
// describes: a synchronous call-through for callers that want to block,
// and an asynchronous single-goroutine worker for callers that don't.
// Both ultimately call onewire.Compose against the same LinkLayer; neither
// talks to a Transport or a Backend's search primitives directly.
package executor

// Result is the outcome of one dispatched Transaction, delivered to a
// Callback exactly once.
type Result struct {
	Data    []byte
	Err     error
	Context interface{}
}

// Callback receives a Result. Async invokes it from its worker goroutine,
// except when Submit cancels a request up front (context already done, or
// Stop already called): then it runs on the caller's goroutine before
// Submit returns. Callbacks that touch caller state must synchronize
// themselves.
type Callback func(Result)
