// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bus implements the BusController façade (spec §4.9): the single
// entry point that ties configuration parsing, backend auto-detection, the
// enumerator and the executor together into the operations a host
// automation framework actually calls (init, reset, discover, alarms,
// verify, complex, kick, set).
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-1wire/owbus/backend"
	"github.com/go-1wire/owbus/enumerate"
	"github.com/go-1wire/owbus/executor"
	"github.com/go-1wire/owbus/onewire"
	"github.com/go-1wire/owbus/transport"
)

// Stats is a read-only, atomics-backed snapshot of transaction counters
// since Init; purely additive and non-suspending so reading it never
// contends with the executor (SPEC_FULL §4, a supplemented feature).
type Stats struct {
	Transactions uint64
	Timeouts     uint64
	CrcFailures  uint64
}

// searchSeeder mirrors enumerate's unexported interface of the same name:
// backends with a hardware search accelerator need the forced-direction
// prefix before NewSearchRound.
type searchSeeder interface {
	SetSearchSeed(prev onewire.RomId, lastDiscrepancy int)
}

// Controller is the BusController façade. One Controller owns exactly one
// backend and one async executor. Only Submit goes through the executor;
// Reset, Discover, Alarms, Verify and Complex call the backend directly on
// the caller's goroutine. The Controller adds no bus lock of its own: its
// locking covers only the roster snapshot and the stats counters.
type Controller struct {
	backend backend.Backend
	enum    *enumerate.Enumerator
	async   *executor.Async
	log     *log.Logger

	rosterMu sync.Mutex
	roster   *onewire.Roster

	interval     time.Duration
	followAlarms bool
	tickerDone   chan struct{}

	transactions uint64
	timeouts     uint64
	crcFailures  uint64
}

// Option configures optional Init behavior. The only option today is
// WithPinTransport, needed to give a pin designator (spec §6's "small
// integer 0-127 -> Firmware backend bound to that coprocessor pin")
// somewhere to send bytes, since this module carries no platform GPIO
// driver of its own that could open one from the bare pin number alone.
type Option func(*initOptions)

type initOptions struct {
	pinTransport transport.Transport
}

// WithPinTransport supplies an already-opened Transport to bind to a pin
// designator. Without it, Init still parses and recognizes a pin
// designator's ConfigKind correctly (see ParseConfig), but has no way to
// reach the coprocessor wired to that pin and returns an error rather than
// silently falling back to another backend.
func WithPinTransport(t transport.Transport) Option {
	return func(o *initOptions) { o.pinTransport = t }
}

// Init parses configStr (spec §6), opens and auto-detects the transport,
// and returns a ready Controller. A handshake failure during detection
// auto-downgrades to a passive backend rather than failing Init outright,
// matching spec §3's BackendKind description of passive as the universal
// fallback. A pin designator always selects the Firmware backend (spec
// §6); it needs WithPinTransport to supply the transport the coprocessor
// is actually reachable over, since no platform GPIO transport ships with
// this module (see openTransport).
func Init(configStr string, logger *log.Logger, opts ...Option) (*Controller, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := ParseConfig(configStr)
	if err != nil {
		return nil, err
	}

	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Kind == ConfigPinDesignator {
		if o.pinTransport == nil {
			return nil, fmt.Errorf("bus: pin designator %d selects the Firmware backend but Init was called without WithPinTransport(...) (this module ships no platform GPIO driver to open one itself)", cfg.Pin)
		}
		b := backend.NewFirmwareMaster(o.pinTransport, logger)
		c := &Controller{
			backend: b,
			enum:    enumerate.New(b, logger),
			log:     logger,
			roster:  onewire.NewRoster(),
		}
		c.async = executor.NewAsync(b, 5*time.Second, logger)
		return c, nil
	}

	t, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}

	kind, err := transport.Detect(t)
	if err != nil && !errors.Is(err, transport.ErrDetectFailed) {
		t.Close()
		return nil, err
	}

	var b backend.Backend
	if kind == transport.KindActive {
		b = backend.NewActiveMaster(t, logger)
	} else {
		b = backend.NewPassiveMaster(t, logger)
	}

	c := &Controller{
		backend: b,
		enum:    enumerate.New(b, logger),
		log:     logger,
		roster:  onewire.NewRoster(),
	}
	c.async = executor.NewAsync(b, 5*time.Second, logger)
	return c, nil
}

// openTransport maps a parsed device-path/COM-port/coupler Config to a
// concrete Transport; it is never called for ConfigPinDesignator, which
// Init handles directly via WithPinTransport before reaching here. Device
// paths and COM-port literals both open a host serial device at the
// framing every DS2480/DS9097 adapter expects; a coupler substring is
// treated as a hostname:port pair tunneled the same way a LinkHub CUNO/COC's
// local serial bridge is, which in practice means opening it exactly like a
// device path.
func openTransport(cfg Config) (transport.Transport, error) {
	return transport.OpenSerial(cfg.Path, 9600)
}

// Reset issues a bare bus reset, bypassing the enumerator and executor —
// used by hosts that only want to know whether anything answers at all.
func (c *Controller) Reset() (bool, error) {
	presence, err := c.backend.Reset()
	atomic.AddUint64(&c.transactions, 1)
	if err != nil {
		c.countError(err)
	}
	return presence, err
}

// Discover runs a full search sweep and adopts its result as the current
// roster, returning the diff against the previous snapshot.
func (c *Controller) Discover() (onewire.Diff, error) {
	c.rosterMu.Lock()
	prev := c.roster
	c.rosterMu.Unlock()

	roster, diff, err := c.enum.Discover(prev)
	if err != nil {
		c.countError(err)
		return onewire.Diff{}, err
	}
	c.rosterMu.Lock()
	c.roster = roster
	c.rosterMu.Unlock()
	return diff, nil
}

// Alarms runs a full alarm-search sweep without touching the adopted
// roster (alarmed devices are reported, not adopted as "present").
func (c *Controller) Alarms() (*onewire.Roster, error) {
	roster, _, err := c.enum.Alarms(nil)
	if err != nil {
		c.countError(err)
		return nil, err
	}
	return roster, nil
}

// Devices returns the most recently adopted roster snapshot.
func (c *Controller) Devices() *onewire.Roster {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	return c.roster.Clone()
}

// Verify checks that id is still reachable with a single extra search
// round seeded to land exactly on it (spec §8: every discover() result
// must verify true immediately afterwards).
func (c *Controller) Verify(id onewire.RomId) (bool, error) {
	presence, err := c.backend.Reset()
	if err != nil {
		return false, err
	}
	if !presence {
		return false, onewire.NoPresence("verify")
	}
	if seeder, ok := c.backend.(searchSeeder); ok {
		seeder.SetSearchSeed(id, 64)
	}
	src, err := c.backend.NewSearchRound(false)
	if err != nil {
		return false, err
	}
	return onewire.Verify(src, id)
}

// Complex runs tx synchronously against the backend, bypassing the async
// executor; it's the façade's equivalent of spec §4.6's composer called
// directly for a one-shot transaction.
func (c *Controller) Complex(tx onewire.Transaction) ([]byte, error) {
	data, err := onewire.Compose(tx, c.backend)
	atomic.AddUint64(&c.transactions, 1)
	if err != nil {
		c.countError(err)
	}
	return data, err
}

// Submit dispatches tx through the async executor; callback fires exactly
// once. ctx may be nil to opt out of the context-aware cancellation
// extension (SPEC_FULL §4).
func (c *Controller) Submit(ctx context.Context, tx onewire.Transaction, callback executor.Callback) {
	atomic.AddUint64(&c.transactions, 1)
	c.async.Submit(ctx, tx, func(r executor.Result) {
		if r.Err != nil {
			c.countError(r.Err)
		}
		callback(r)
	})
}

func (c *Controller) countError(err error) {
	if errors.Is(err, onewire.ErrTimeout) {
		atomic.AddUint64(&c.timeouts, 1)
	}
	if errors.Is(err, onewire.ErrCrcMismatch) {
		atomic.AddUint64(&c.crcFailures, 1)
	}
}

// Kick runs one periodic discover (and, if SetFollowAlarms(true), one
// alarm scan) and logs the outcome via the injected logger; failures never
// propagate to unrelated clients (spec §7), they're only logged.
func (c *Controller) Kick() {
	if diff, err := c.Discover(); err != nil {
		c.log.Printf("bus: periodic kick failed, roster unchanged: %v", err)
	} else if len(diff.Added) > 0 || len(diff.Removed) > 0 {
		c.log.Printf("bus: roster changed: +%d -%d", len(diff.Added), len(diff.Removed))
	}
	if c.followAlarms {
		if roster, err := c.Alarms(); err != nil {
			c.log.Printf("bus: periodic alarm scan failed (ignored): %v", err)
		} else if roster.Len() > 0 {
			c.log.Printf("bus: %d device(s) alarmed", roster.Len())
		}
	}
}

// SetInterval sets the kick period, restarting the background ticker.
// d <= 0 stops periodic kicking entirely.
func (c *Controller) SetInterval(d time.Duration) {
	c.interval = d
	c.restartTicker()
}

// SetFollowAlarms toggles whether Kick also runs an alarm scan each period
// (the CLI's "set followAlarms on|off", spec §6).
func (c *Controller) SetFollowAlarms(v bool) {
	c.followAlarms = v
}

func (c *Controller) restartTicker() {
	if c.tickerDone != nil {
		close(c.tickerDone)
		c.tickerDone = nil
	}
	if c.interval <= 0 {
		return
	}
	done := make(chan struct{})
	c.tickerDone = done
	go func(interval time.Duration) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				c.Kick()
			}
		}
	}(c.interval)
}

// Stats returns a snapshot of transaction counters since Init.
func (c *Controller) Stats() Stats {
	return Stats{
		Transactions: atomic.LoadUint64(&c.transactions),
		Timeouts:     atomic.LoadUint64(&c.timeouts),
		CrcFailures:  atomic.LoadUint64(&c.crcFailures),
	}
}

// Close stops the background ticker and the async executor, then closes
// the backend.
func (c *Controller) Close() error {
	if c.tickerDone != nil {
		close(c.tickerDone)
		c.tickerDone = nil
	}
	c.async.Stop()
	return c.backend.Close()
}
