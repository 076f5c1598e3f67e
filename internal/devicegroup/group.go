// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package devicegroup clusters a PortInfo snapshot into physical devices
// (component E). A multi-port FTDI chip (e.g. FT4232H) surfaces as four
// separate OS ports sharing one EEPROM serial number; this package is what
// turns that back into "one device, four ports" the way a human reading
// `lsusb` would.
package devicegroup

import (
	"sort"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
)

// groupKey returns the FTDI serial if present and non-empty, else the OS
// device id.
func groupKey(p bench.PortInfo) string {
	if p.IsFTDI && p.Identity != nil && p.Identity.Serial != "" {
		return p.Identity.Serial
	}
	return p.OSDeviceID
}

// Analyze partitions a port snapshot into DeviceGroups.
//
// Invariant (tested): sum of |group.Ports| over the result equals
// len(ports); every group has at least one port; a multi-port group shares
// one serial and one chip family.
func Analyze(ports []bench.PortInfo, cfg validate.Config) []bench.DeviceGroup {
	buckets := map[string][]bench.PortInfo{}
	var order []string
	for _, p := range ports {
		k := groupKey(p)
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], p)
	}
	sort.Strings(order)

	groups := make([]bench.DeviceGroup, 0, len(order))
	for _, k := range order {
		members := buckets[k]
		sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

		names := make([]string, len(members))
		for i, m := range members {
			names[i] = m.Name
		}

		g := bench.DeviceGroup{
			DeviceID:    k,
			Ports:       names,
			IsMultiPort: len(members) > 1,
		}
		if members[0].IsFTDI {
			g.Identity = members[0].Identity
		}
		g.IsClientValid = isClientValid(members, cfg)
		g.SharedSysInfo = sharedSystemInfo(members)
		groups = append(groups, g)
	}
	return groups
}

// isClientValid reports whether every member is FTDI and of an allow-listed
// chip family.
func isClientValid(members []bench.PortInfo, cfg validate.Config) bool {
	for _, m := range members {
		if !m.IsFTDI || m.Identity == nil {
			return false
		}
		if len(cfg.RequireChipFamilyIn) > 0 && !cfg.RequireChipFamilyIn[m.Identity.Family] {
			return false
		}
	}
	return true
}

// sharedSystemInfo returns the common SystemInfo if all members agree on
// serial and validity, else nil.
func sharedSystemInfo(members []bench.PortInfo) *bench.SystemInfo {
	var first *bench.SystemInfo
	for i, m := range members {
		var si *bench.SystemInfo
		if m.Identity != nil {
			si = &bench.SystemInfo{
				Port:        m.Name,
				Identity:    m.Identity,
				IsDataValid: m.Identity.Eeprom.Valid,
			}
		}
		if i == 0 {
			first = si
			continue
		}
		if !sameSystemInfo(first, si) {
			return nil
		}
	}
	return first
}

func sameSystemInfo(a, b *bench.SystemInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.IsDataValid != b.IsDataValid {
		return false
	}
	aSerial, bSerial := "", ""
	if a.Identity != nil {
		aSerial = a.Identity.Serial
	}
	if b.Identity != nil {
		bSerial = b.Identity.Serial
	}
	return aSerial == bSerial
}
