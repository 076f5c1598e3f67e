// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package enum enumerates OS-visible serial ports (component A).
//
// Enumeration itself is idempotent and performs no caching; the studied
// driver.Init() in hostextra/d2xx/driver.go does a similar one-shot sweep at
// startup, but here it is callable repeatedly (Pool.Refresh calls it again).
package enum

import (
	"sort"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/ftdi"
)

// Enumerator returns a snapshot of OS-visible serial ports.
type Enumerator interface {
	Enumerate() ([]bench.PortInfo, error)
}

// osDescriptor is the minimal OS-reported information the platform-specific
// backends produce; identity enrichment (FTDI parsing) happens uniformly
// here so enum_posix.go / enum_windows.go stay small and platform-focused.
type osDescriptor struct {
	Name       string
	Friendly   string
	OSDeviceID string
}

// buildPortInfo turns a raw OS descriptor into a bench.PortInfo, attaching a
// bare (EEPROM-less) FtdiIdentity when the device id parses as FTDI. A
// non-FTDI id is not an error: the port is simply reported IsFTDI=false. The
// conversion is idempotent across calls: only OS-supplied fields are touched.
func buildPortInfo(d osDescriptor) bench.PortInfo {
	pi := bench.PortInfo{
		Name:       d.Name,
		Friendly:   d.Friendly,
		OSDeviceID: d.OSDeviceID,
		Status:     bench.StatusAvailable,
	}
	if ident, err := ftdi.Identify(d.OSDeviceID); err == nil {
		pi.IsFTDI = true
		pi.Identity = ident
	}
	return pi
}

// sortPorts sorts a port slice by name, for deterministic snapshots (spec
// §8: "multi-port grouping is stable under port name reordering").
func sortPorts(ports []bench.PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}

// Static is a fixed-list Enumerator, used by tests and by any caller that
// already has a snapshot (e.g. replaying a recorded scenario).
type Static struct {
	Ports []bench.PortInfo
}

func (s Static) Enumerate() ([]bench.PortInfo, error) {
	out := make([]bench.PortInfo, len(s.Ports))
	copy(out, s.Ports)
	sortPorts(out)
	return out, nil
}
