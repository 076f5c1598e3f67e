// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package devicegroup

import (
	"testing"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
)

func chipPort(name, serial string) bench.PortInfo {
	return bench.PortInfo{
		Name:   name,
		IsFTDI: true,
		Identity: &bench.FtdiIdentity{
			Family: bench.FamilyFT4232H,
			Serial: serial,
			Eeprom: bench.EepromBlob{Valid: true, Fields: map[string]string{}},
		},
	}
}

func TestAnalyzeTwoFT4232HChipsEightPorts(t *testing.T) {
	var ports []bench.PortInfo
	for i := 0; i < 4; i++ {
		ports = append(ports, chipPort(string(rune('0'+i))+"-AAA", "AAA"))
	}
	for i := 0; i < 4; i++ {
		ports = append(ports, chipPort(string(rune('0'+i))+"-BBB", "BBB"))
	}

	groups := Analyze(ports, validate.StrictConfig())
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	total := 0
	for _, g := range groups {
		total += len(g.Ports)
		if !g.IsMultiPort {
			t.Errorf("group %s: expected IsMultiPort", g.DeviceID)
		}
		if len(g.Ports) != 4 {
			t.Errorf("group %s: got %d ports, want 4", g.DeviceID, len(g.Ports))
		}
		if !g.IsClientValid {
			t.Errorf("group %s: expected IsClientValid under strict config", g.DeviceID)
		}
	}
	if total != len(ports) {
		t.Fatalf("sum of group ports = %d, want %d", total, len(ports))
	}
}

func TestAnalyzeStableUnderReordering(t *testing.T) {
	a := []bench.PortInfo{chipPort("z", "S1"), chipPort("a", "S1")}
	b := []bench.PortInfo{chipPort("a", "S1"), chipPort("z", "S1")}
	ga := Analyze(a, validate.StrictConfig())
	gb := Analyze(b, validate.StrictConfig())
	if len(ga) != 1 || len(gb) != 1 {
		t.Fatalf("expected single group each")
	}
	if ga[0].Ports[0] != gb[0].Ports[0] || ga[0].Ports[1] != gb[0].Ports[1] {
		t.Fatalf("port order not stable: %v vs %v", ga[0].Ports, gb[0].Ports)
	}
}

func TestAnalyzeNonFTDIGetsSyntheticKey(t *testing.T) {
	ports := []bench.PortInfo{{Name: "COM9", OSDeviceID: "PCI\\VEN_8086"}}
	groups := Analyze(ports, validate.StrictConfig())
	if len(groups) != 1 || groups[0].DeviceID != "PCI\\VEN_8086" {
		t.Fatalf("got %+v", groups)
	}
	if groups[0].IsClientValid {
		t.Fatal("non-FTDI device should not be client-valid")
	}
}
