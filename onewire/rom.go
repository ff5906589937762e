// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	conn "periph.io/x/conn/v3/onewire"
)

// RomId is a 64-bit 1-wire ROM identifier: family(1) ‖ serial(6) ‖ crc8(1),
// packed little-endian so that the family code sits in the low byte and the
// CRC8 in the high byte, matching periph.io/x/conn/v3/onewire.Address and
// the byte order the devices themselves transmit on the wire.
//
// The bus (via search) and Parse both validate the CRC8 invariant before
// returning a non-zero RomId; FromAddress and plain conversions do not.
type RomId uint64

// Invalid is the zero RomId, never a valid device address (family 0 does
// not exist and its CRC8 would have to be 0 too, which Parse rejects as
// degenerate).
const Invalid RomId = 0

// Family returns the 1-byte family code.
func (r RomId) Family() byte {
	return byte(r)
}

// Serial returns the 6 middle bytes in bus order (LSB of the serial first,
// as it appears on the wire immediately after the family byte).
func (r RomId) Serial() [6]byte {
	var s [6]byte
	v := uint64(r) >> 8
	for i := range s {
		s[i] = byte(v)
		v >>= 8
	}
	return s
}

// CRC returns the trailing CRC8 byte.
func (r RomId) CRC() byte {
	return byte(r >> 56)
}

// Valid reports whether CRC8(family‖serial) equals the stored CRC byte.
func (r RomId) Valid() bool {
	b := r.bytes()
	return r != Invalid && CRC8(b[:7]) == r.CRC()
}

// bytes returns the 8 raw wire bytes, family first, CRC8 last.
func (r RomId) bytes() [8]byte {
	var b [8]byte
	v := uint64(r)
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// Address converts to the periph.io/x/conn/v3/onewire.Address this RomId is
// byte-for-byte compatible with.
func (r RomId) Address() conn.Address {
	return conn.Address(r)
}

// Bytes returns the 8 raw wire bytes, family first, CRC8 last. Exported for
// backends that must put a whole RomId on the wire themselves rather than
// going through Compose's own match-ROM encoding (e.g. the firmware
// backend's packaged-transaction framing, which keys its reply on the
// addressed ROM id).
func (r RomId) Bytes() [8]byte {
	return r.bytes()
}

// FromAddress converts an upstream onewire.Address into a RomId without
// revalidating the CRC (the caller is assumed to have obtained it from a
// trusted bus operation).
func FromAddress(a conn.Address) RomId {
	return RomId(a)
}

// fromBytes packs family, serial (6 bytes, bus order) and crc into a RomId.
func fromBytes(family byte, serial [6]byte, crc byte) RomId {
	v := uint64(family)
	for i, b := range serial {
		v |= uint64(b) << uint(8+8*i)
	}
	v |= uint64(crc) << 56
	return RomId(v)
}

// String renders the canonical printable form FF.XXXXXXXXXXXX.CC: family
// hex, the twelve middle hex chars for the serial in bus order, CRC8 hex.
func (r RomId) String() string {
	s := r.Serial()
	return fmt.Sprintf("%02X.%02X%02X%02X%02X%02X%02X.%02X",
		r.Family(), s[0], s[1], s[2], s[3], s[4], s[5], r.CRC())
}

// FamilySerial renders the short "FF.XXXXXXXXXXXX" form spec §6's `get
// devices` table uses: family and serial only, without the trailing CRC
// byte that String's canonical three-part form carries.
func (r RomId) FamilySerial() string {
	s := r.Serial()
	return fmt.Sprintf("%02X.%02X%02X%02X%02X%02X%02X",
		r.Family(), s[0], s[1], s[2], s[3], s[4], s[5])
}

// ErrMalformedRomId is returned by Parse when the input isn't of the form
// FF.XXXXXXXXXXXX.CC or fails its CRC8 check.
var ErrMalformedRomId = errors.New("onewire: malformed ROM id")

// Parse parses the canonical printable form produced by RomId.String and
// validates its CRC8 invariant.
func Parse(s string) (RomId, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || len(parts[0]) != 2 || len(parts[1]) != 12 || len(parts[2]) != 2 {
		return Invalid, ErrMalformedRomId
	}
	family, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return Invalid, fmt.Errorf("%w: %s", ErrMalformedRomId, err)
	}
	var serial [6]byte
	for i := range serial {
		v, err := strconv.ParseUint(parts[1][2*i:2*i+2], 16, 8)
		if err != nil {
			return Invalid, fmt.Errorf("%w: %s", ErrMalformedRomId, err)
		}
		serial[i] = byte(v)
	}
	crc, err := strconv.ParseUint(parts[2], 16, 8)
	if err != nil {
		return Invalid, fmt.Errorf("%w: %s", ErrMalformedRomId, err)
	}
	id := fromBytes(byte(family), serial, byte(crc))
	if !id.Valid() {
		return Invalid, fmt.Errorf("%w: crc8 mismatch for %s", ErrMalformedRomId, s)
	}
	return id, nil
}

// familyNames is a best-effort, open map from family code to a
// human-readable chip-family hint. It is metadata only: the core knows
// nothing of register layouts and this table is never consulted by the
// protocol engine, only by callers formatting a roster for humans.
var familyNames = map[byte]string{
	0x01: "DS1990A-class (serial id)",
	0x10: "DS18S20-class (thermometer)",
	0x12: "DS2406-class (dual switch)",
	0x1D: "DS2423-class (counter)",
	0x20: "DS2450-class (quad A/D)",
	0x26: "DS2438-class (battery monitor)",
	0x28: "DS18B20-class (thermometer)",
	0x29: "DS2408-class (8-channel switch)",
	0x3A: "DS2413-class (dual switch)",
}

// FamilyName returns a human-readable hint for the device's family code, or
// "unknown(0xNN)" if the family isn't in the built-in table.
func (r RomId) FamilyName() string {
	if name, ok := familyNames[r.Family()]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#02x)", r.Family())
}

func bitAt(r RomId, bit int) byte {
	return byte(r>>uint(bit-1)) & 1
}

// Bit returns bit position bit (1-indexed, LSB-first — bit 1 is the
// family code's LSB, matching the wire transmission order used throughout
// §4.5's search algorithm). Backends building a forced-direction prefix
// from a previously found RomId use this directly.
func (r RomId) Bit(bit int) byte {
	return bitAt(r, bit)
}
