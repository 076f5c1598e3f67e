// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !windows

package enum

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeSysfsTTY builds a minimal /sys tree for one ttyUSB device: a USB
// device directory carrying busnum/devnum, its interface subdirectory, and
// the /sys/class/tty/<name>/device symlink pointing at the interface, the
// same shape the kernel actually produces for a real FTDI VCP port.
func fakeSysfsTTY(t *testing.T, sysDir, ttyName string, bus, addr int) {
	t.Helper()
	devDir := filepath.Join(sysDir, "devices", "pci0000:00", "usb1", "1-1")
	ifaceDir := filepath.Join(devDir, "1-1:1.0")
	if err := os.MkdirAll(ifaceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devDir, "busnum"), []byte(strconv.Itoa(bus)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devDir, "devnum"), []byte(strconv.Itoa(addr)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	classDir := filepath.Join(sysDir, "class", "tty", ttyName)
	if err := os.MkdirAll(filepath.Dir(classDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(ifaceDir, classDir); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(ifaceDir, filepath.Join(classDir, "device")); err != nil {
		t.Fatal(err)
	}
}

func TestTTYBusAddrResolvesThroughSysfs(t *testing.T) {
	sysDir := t.TempDir()
	fakeSysfsTTY(t, sysDir, "ttyUSB0", 1, 5)

	p := &Posix{DevDir: t.TempDir(), SysDir: sysDir}
	bus, addr, ok := p.ttyBusAddr("ttyUSB0")
	if !ok {
		t.Fatal("expected ttyBusAddr to resolve bus/address")
	}
	if bus != 1 || addr != 5 {
		t.Fatalf("got bus=%d addr=%d, want bus=1 addr=5", bus, addr)
	}
}

func TestTTYBusAddrMissingDeviceLinkFails(t *testing.T) {
	p := &Posix{DevDir: t.TempDir(), SysDir: t.TempDir()}
	if _, _, ok := p.ttyBusAddr("ttyUSB9"); ok {
		t.Fatal("expected failure for a tty with no sysfs device link")
	}
}
