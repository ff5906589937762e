// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build windows

package transport

import "github.com/StackExchange/wmi"

// win32SerialPort mirrors the subset of Win32_PnPEntity fields needed to
// recognize a COM port, the same narrow-struct-over-WMI pattern
// periph-extra's experimental/host/winthermal package uses against
// Win32_TemperatureProbe.
type win32SerialPort struct {
	DeviceID string
	Caption  string
	Name     string
}

// ListSerialPorts enumerates COM ports visible to Windows via WMI, for the
// host to offer as candidates when the configuration string (spec §6) names
// a "com"-containing literal instead of an explicit device path.
func ListSerialPorts() ([]string, error) {
	var entries []win32SerialPort
	q := "SELECT DeviceID, Caption, Name FROM Win32_PnPEntity WHERE Caption LIKE '%(COM%'"
	if err := wmi.Query(q, &entries); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.DeviceID)
	}
	return out, nil
}
