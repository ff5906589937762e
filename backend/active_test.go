// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/onewire"

	owire "github.com/go-1wire/owbus/onewire"
)

func TestActiveResetPresence(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0xD0}}}
	a := NewActiveMaster(ft, nil)

	presence, err := a.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !presence {
		t.Fatalf("Reset: want presence=true for reply 0xD0")
	}
	if a.AlarmFlag() {
		t.Fatalf("AlarmFlag should be unset by a non-0b10 reply")
	}
	if len(ft.writes) != 1 || ft.writes[0][0] != modeCommand || ft.writes[0][1] != 0xC5 {
		t.Fatalf("unexpected reset command bytes: %x", ft.writes)
	}
}

func TestActiveResetNoPresence(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0xC3}}}
	a := NewActiveMaster(ft, nil)

	presence, err := a.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if presence {
		t.Fatalf("Reset: want presence=false for reply 0xC3")
	}
}

func TestActiveResetAlarmFlag(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0xC2}}}
	a := NewActiveMaster(ft, nil)

	presence, err := a.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !presence || !a.AlarmFlag() {
		t.Fatalf("Reset: want presence=true and AlarmFlag()=true for reply 0xC2")
	}
}

func TestActiveResetRetriesOnceOnBadAck(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0x00}, {0xD0}}}
	a := NewActiveMaster(ft, nil)

	presence, err := a.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !presence {
		t.Fatalf("Reset: want presence=true after retry")
	}
	if len(ft.writes) != 2 {
		t.Fatalf("Reset should retry exactly once, got %d writes", len(ft.writes))
	}
}

func TestActiveResetFailsAfterTwoBadAcks(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0x00}, {0x01}}}
	a := NewActiveMaster(ft, nil)

	if _, err := a.Reset(); !errors.Is(err, owire.ErrProtocolFraming) {
		t.Fatalf("Reset: want ErrProtocolFraming, got %v", err)
	}
}

func TestActiveBlockEntersDataModeAndUnescapes(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0x55, 0x10, 0x00}}}
	a := NewActiveMaster(ft, nil)

	got, err := a.Block([]byte{0x55, 0x10}, 1)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if len(got) != 1 || got[0] != 0x00 {
		t.Fatalf("Block: got %x want [0x00]", got)
	}
	if ft.writes[0][0] != modeData {
		t.Fatalf("first Block call should prefix the data-mode switch byte, got %x", ft.writes[0])
	}
	if !a.inDataMode {
		t.Fatalf("Block should leave the backend in data mode")
	}
}

func TestActiveBlockEscapesLiteralModeByte(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0xE3, 0xE3}}}
	a := NewActiveMaster(ft, nil)
	a.inDataMode = true // already switched, so no 0xE1 prefix expected

	got, err := a.Block([]byte{0xE3}, 0)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Block: want no read bytes, got %x", got)
	}
	if len(ft.writes[0]) != 2 || ft.writes[0][0] != 0xE3 || ft.writes[0][1] != 0xE3 {
		t.Fatalf("literal 0xE3 should be transmitted doubled, got %x", ft.writes[0])
	}
}

func TestActiveLevelChangeStrongPullup(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{{0xEC, 0xEC, 0xEC}}}
	a := NewActiveMaster(ft, nil)

	if err := a.LevelChange(onewire.StrongPullup); err != nil {
		t.Fatalf("LevelChange: %v", err)
	}
	if ft.writes[0][1] != 0x3F || ft.writes[0][2] != 0xED {
		t.Fatalf("unexpected strong pull-up command: %x", ft.writes[0])
	}
}

func TestBuildAccelFrameForcesPrefixBelowLastDiscrepancy(t *testing.T) {
	prev, err := owire.Parse("28.0123456789AB.33")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	frame := buildAccelFrame(prev, 5)

	for bit := 1; bit <= 4; bit++ {
		byteIdx := (bit - 1) / 4
		shift := uint(((bit - 1) % 4) * 2)
		pair := (frame[byteIdx] >> shift) & 0x03
		if pair&0x01 == 0 {
			t.Fatalf("bit %d below lastDiscrepancy should be forced", bit)
		}
		wantDir := prev.Bit(bit)
		gotDir := (pair >> 1) & 0x01
		if gotDir != wantDir {
			t.Fatalf("bit %d: forced direction = %d, want %d", bit, gotDir, wantDir)
		}
	}
	pair5 := (frame[1] >> 0) & 0x03
	if pair5&0x01 == 0 || (pair5>>1)&0x01 != 1 {
		t.Fatalf("bit 5 (== lastDiscrepancy) should be forced to direction 1, got pair %#02x", pair5)
	}
	pair6 := (frame[1] >> 2) & 0x03
	if pair6&0x01 != 0 {
		t.Fatalf("bit 6 (beyond lastDiscrepancy) should be unforced, got pair %#02x", pair6)
	}
}

func TestPairFromAccel(t *testing.T) {
	if id, cmp := pairFromAccel(1, 0); id != 1 || cmp != 0 {
		t.Fatalf("clean bit=1: got (%d,%d)", id, cmp)
	}
	if id, cmp := pairFromAccel(0, 0); id != 0 || cmp != 1 {
		t.Fatalf("clean bit=0: got (%d,%d)", id, cmp)
	}
	if id, cmp := pairFromAccel(1, 1); id != 0 || cmp != 0 {
		t.Fatalf("discrepancy: got (%d,%d), want (0,0)", id, cmp)
	}
}
