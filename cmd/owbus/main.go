// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owbus is a small host CLI over package bus, exposing the get/set surface
// spec §6 describes: listing devices and alarmed devices, and tuning the
// background kick cadence.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/maruel/ansi256"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"

	"github.com/go-1wire/owbus/bus"
)

// minInterval is spec §6's floor for "set interval <seconds>".
const minInterval = 15

func mainImpl() error {
	port := flag.String("port", "", "adapter device path, COM port, coupler substring or pin designator (required)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if *port == "" {
		return errors.New("owbus: -port is required")
	}
	args := flag.Args()
	if len(args) < 2 {
		return errors.New("owbus: expected a command, e.g. `get devices`, `get alarms`, `set interval <seconds>`, `set followAlarms on|off`")
	}

	c, err := bus.Init(*port, log.Default())
	if err != nil {
		return fmt.Errorf("owbus: init: %w", err)
	}
	defer c.Close()

	out := newOutput()

	switch args[0] {
	case "get":
		return runGet(c, out, args[1:])
	case "set":
		return runSet(c, args[1:])
	default:
		return fmt.Errorf("owbus: unknown command %q", args[0])
	}
}

func runGet(c *bus.Controller, out *output, args []string) error {
	if len(args) != 1 {
		return errors.New("owbus: `get` takes exactly one of devices|alarms")
	}
	switch args[0] {
	case "devices":
		if _, err := c.Discover(); err != nil {
			return fmt.Errorf("owbus: discover: %w", err)
		}
		for _, id := range c.Devices().List() {
			fmt.Fprintf(out.w, "%s\t%s\n", id.FamilySerial(), id.FamilyName())
		}
		return nil
	case "alarms":
		roster, err := c.Alarms()
		if err != nil {
			return fmt.Errorf("owbus: alarms: %w", err)
		}
		for _, id := range roster.List() {
			out.printAlarmed(id.String())
		}
		return nil
	default:
		return fmt.Errorf("owbus: unknown `get` target %q", args[0])
	}
}

func runSet(c *bus.Controller, args []string) error {
	if len(args) != 2 {
		return errors.New("owbus: `set` takes exactly one key and one value")
	}
	switch args[0] {
	case "interval":
		n, err := strconv.Atoi(args[1])
		if err != nil || n < minInterval {
			return fmt.Errorf("owbus: interval must be an integer >= %d seconds", minInterval)
		}
		c.SetInterval(time.Duration(n) * time.Second)
		return nil
	case "followAlarms":
		switch args[1] {
		case "on":
			c.SetFollowAlarms(true)
		case "off":
			c.SetFollowAlarms(false)
		default:
			return errors.New("owbus: followAlarms must be on|off")
		}
		return nil
	default:
		return fmt.Errorf("owbus: unknown `set` key %q", args[0])
	}
}

// output wraps the process's stdout with the same colorable.NewColorableStdout
// passthrough periph-extra's devices/screen package uses, so ANSI escapes
// render correctly on Windows consoles too. Colorizing is skipped entirely
// when stdout isn't a terminal (piped into a file or another process).
type output struct {
	w       io.Writer
	colored bool
}

func newOutput() *output {
	w := colorable.NewColorableStdout()
	return &output{w: w, colored: isatty.IsTerminal(os.Stdout.Fd())}
}

// printAlarmed writes one alarmed ROM id, highlighted red when the output
// is a terminal (spec §6's "get alarms" is meant to draw the operator's eye).
func (o *output) printAlarmed(s string) {
	if !o.colored {
		fmt.Fprintln(o.w, s)
		return
	}
	fmt.Fprint(o.w, ansi256.Default.Block(color.NRGBA{R: 255, A: 255}))
	fmt.Fprintf(o.w, " %s\033[0m\n", s)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "%s.\n", err)
		os.Exit(1)
	}
}
