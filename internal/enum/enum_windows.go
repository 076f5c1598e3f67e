// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build windows

// Windows port enumeration via WMI, in the same style as the teacher's
// experimental/host/winthermal/winthermal_windows.go, which queries
// Win32_PerfFormattedData_Counters_ThermalZoneInformation through
// github.com/StackExchange/wmi (itself layered on github.com/go-ole/go-ole).
// Here the query targets Win32_PnPEntity filtered to PNPDeviceIDs starting
// with FTDIBUS, the device id string the enumerator expects.

package enum

import (
	"fmt"

	"github.com/StackExchange/wmi"
	_ "github.com/go-ole/go-ole" // pulled in transitively by wmi's COM init

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

type win32PnPEntity struct {
	Name        string
	PNPDeviceID string
	Caption     string
}

// Windows is the default Enumerator on Windows hosts.
type Windows struct{}

func NewWindows() *Windows { return &Windows{} }

func (w *Windows) Enumerate() ([]bench.PortInfo, error) {
	var rows []win32PnPEntity
	q := "SELECT Name, PNPDeviceID, Caption FROM Win32_PnPEntity WHERE PNPDeviceID LIKE 'FTDIBUS%'"
	if err := wmi.Query(q, &rows); err != nil {
		return nil, fmt.Errorf("enum: wmi query: %w", err)
	}
	var out []bench.PortInfo
	for _, r := range rows {
		out = append(out, buildPortInfo(osDescriptor{
			Name:       comPortFromCaption(r.Caption),
			Friendly:   r.Name,
			OSDeviceID: r.PNPDeviceID,
		}))
	}
	sortPorts(out)
	return out, nil
}

// comPortFromCaption extracts "COM4" out of a caption like
// "USB Serial Port (COM4)", which is how Win32_PnPEntity.Caption reports it.
func comPortFromCaption(caption string) string {
	start := -1
	for i, c := range caption {
		if c == '(' {
			start = i + 1
		} else if c == ')' && start >= 0 {
			return caption[start:i]
		}
	}
	return caption
}
