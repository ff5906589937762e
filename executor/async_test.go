// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-1wire/owbus/onewire"
)

func TestAsyncSubmitDeliversResult(t *testing.T) {
	link := &fakeLink{presence: true, echo: []byte{0x42}}
	a := NewAsync(link, time.Second, nil)
	defer a.Stop()

	done := make(chan Result, 1)
	a.Submit(context.Background(), onewire.Transaction{ResetFirst: true, ReadLen: 1, Context: "marker"}, func(r Result) {
		done <- r
	})

	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("Submit result: %v", r.Err)
		}
		if len(r.Data) != 1 || r.Data[0] != 0x42 {
			t.Fatalf("Submit result data: %x", r.Data)
		}
		if r.Context != "marker" {
			t.Fatalf("Submit result context: got %v", r.Context)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit: callback never fired")
	}
}

func TestAsyncSubmitCancelledContextSkipsExecution(t *testing.T) {
	link := &fakeLink{presence: true, echo: []byte{0x42}}
	a := NewAsync(link, time.Second, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan Result, 1)
	a.Submit(ctx, onewire.Transaction{ResetFirst: true, ReadLen: 1}, func(r Result) {
		done <- r
	})

	select {
	case r := <-done:
		if !errors.Is(r.Err, onewire.ErrCancelled) {
			t.Fatalf("Submit result: want ErrCancelled, got %v", r.Err)
		}
		if link.resets != 0 {
			t.Fatalf("a cancelled submission should never touch the link, got %d resets", link.resets)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit: callback never fired")
	}
}

func TestAsyncSubmitAfterStopIsCancelled(t *testing.T) {
	link := &fakeLink{presence: true, echo: []byte{0x42}}
	a := NewAsync(link, time.Second, nil)
	a.Stop()

	done := make(chan Result, 1)
	a.Submit(context.Background(), onewire.Transaction{ResetFirst: true}, func(r Result) {
		done <- r
	})

	select {
	case r := <-done:
		if !errors.Is(r.Err, onewire.ErrCancelled) {
			t.Fatalf("Submit after Stop: want ErrCancelled, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit after Stop: callback never fired")
	}
}
