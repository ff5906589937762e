// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package executor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-1wire/owbus/onewire"
)

// request bundles one Transaction with its optional cancellation context
// and its completion callback.
type request struct {
	tx       onewire.Transaction
	ctx      context.Context
	callback Callback
}

// Async is a single-goroutine worker serializing every transaction behind
// one request channel, matching spec §5's "the bus has exactly one owner
// goroutine" model. Termination is a sentinel close, not a context: Stop
// closes the done channel, and the worker fails every request still queued
// with ErrCancelled before exiting.
type Async struct {
	link    onewire.LinkLayer
	log     *log.Logger
	reqs    chan request
	done    chan struct{}
	timeout time.Duration
}

// NewAsync starts the worker goroutine over link. timeout is stored but not
// enforced: onewire.LinkLayer has no per-call deadline parameter, so a
// transaction times out only when link itself reports ErrTimeout. When it
// does, the worker issues a forced bus reset before the next request (see
// handle).
func NewAsync(link onewire.LinkLayer, timeout time.Duration, logger *log.Logger) *Async {
	if logger == nil {
		logger = log.Default()
	}
	a := &Async{
		link:    link,
		log:     logger,
		reqs:    make(chan request, 16),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go a.run()
	return a
}

// Submit enqueues tx; callback fires exactly once. If ctx is already done
// by the time Submit is called, or becomes done before the worker
// dequeues the request, callback fires with ErrCancelled instead of
// waiting for the whole-bus termination sentinel (SPEC_FULL §4: a natural
// idiomatic-Go extension of spec.md §5's cancellation model). ctx may be
// nil to opt out of this and rely solely on Stop.
func (a *Async) Submit(ctx context.Context, tx onewire.Transaction, callback Callback) {
	req := request{tx: tx, ctx: ctx, callback: callback}
	if ctx != nil {
		select {
		case <-ctx.Done():
			callback(Result{Err: onewire.ErrCancelled, Context: tx.Context})
			return
		default:
		}
	}
	// Check done explicitly before racing the send against it: once Stop
	// has been called, a.reqs may still have buffer room (nothing is
	// draining it any more), and an unprioritized select could enqueue a
	// request that will never be processed instead of reporting Cancelled.
	select {
	case <-a.done:
		callback(Result{Err: onewire.ErrCancelled, Context: tx.Context})
		return
	default:
	}
	select {
	case a.reqs <- req:
	case <-a.done:
		callback(Result{Err: onewire.ErrCancelled, Context: tx.Context})
	}
}

// Stop sends the termination sentinel. A transaction the worker is already
// running completes first; the requests still queued after it are not run,
// their callbacks fire with ErrCancelled.
func (a *Async) Stop() {
	close(a.done)
}

func (a *Async) run() {
	for {
		select {
		case <-a.done:
			for {
				select {
				case req := <-a.reqs:
					req.callback(Result{Err: onewire.ErrCancelled, Context: req.tx.Context})
				default:
					return
				}
			}
		case req := <-a.reqs:
			a.handle(req)
		}
	}
}

func (a *Async) handle(req request) {
	if req.ctx != nil {
		select {
		case <-req.ctx.Done():
			req.callback(Result{Err: onewire.ErrCancelled, Context: req.tx.Context})
			return
		default:
		}
	}

	data, err := onewire.Compose(req.tx, a.link)
	if err != nil && errors.Is(err, onewire.ErrTimeout) {
		if _, rerr := a.link.Reset(); rerr != nil {
			a.log.Printf("executor: forced reset after timeout failed: %v", rerr)
		}
	}
	req.callback(Result{Data: data, Err: err, Context: req.tx.Context})
}
