// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !windows

// Port enumeration on POSIX hosts: walk /dev for tty nodes exposed by the
// FTDI VCP (ttyUSB*, cu.usbserial-*), then cross-reference the USB bus via
// gousb to recover the VID/PID/serial triple used to build an OS device id
// in the same FTDIBUS\VID_xxxx+PID_xxxx+serial\... shape the rest of the
// supervisor expects, mirroring the bus walk in the teacher's
// experimental/host/usbbus.All().

package enum

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

const ftdiVendorID = 0x0403

// Posix is the default Enumerator on Linux/macOS.
type Posix struct {
	// DevDir is normally "/dev"; overridable for tests.
	DevDir string
	// SysDir is normally "/sys"; overridable for tests. Used to correlate a
	// ttyUSB* device node back to the USB bus/address gousb enumerated it
	// under.
	SysDir string
	// ctx is not set by anything in this package; usbSerials opens and
	// closes its own gousb.Context on each call.
	ctx *gousb.Context
}

// NewPosix returns a ready-to-use Posix enumerator.
func NewPosix() *Posix {
	return &Posix{DevDir: "/dev", SysDir: "/sys"}
}

func (p *Posix) Enumerate() ([]bench.PortInfo, error) {
	entries, err := os.ReadDir(p.DevDir)
	if err != nil {
		return nil, fmt.Errorf("enum: reading %s: %w", p.DevDir, err)
	}

	serials := p.usbSerials()

	var out []bench.PortInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "cu.usbserial") {
			continue
		}
		full := filepath.Join(p.DevDir, name)
		desc := osDescriptor{Name: full, Friendly: name}
		if bus, addr, ok := p.ttyBusAddr(name); ok {
			if s, found := serials[busAddrKey(bus, addr)]; found {
				desc.OSDeviceID = fmt.Sprintf(`FTDIBUS\VID_%04X+PID_%04X+%s\0000`, s.vid, s.pid, s.serial)
			}
		}
		out = append(out, buildPortInfo(desc))
	}
	sortPorts(out)
	return out, nil
}

type usbID struct {
	vid, pid uint16
	serial   string
}

func busAddrKey(bus, addr int) string {
	return fmt.Sprintf("%d:%d", bus, addr)
}

// usbSerials best-effort maps a USB bus:address key to its VID/PID/serial by
// walking the USB bus the way usbbus.All() does. Devices it can't enumerate
// (no libusb, permission denied) simply yield an empty map; the caller
// degrades to a port with no FTDI identity rather than failing discovery.
func (p *Posix) usbSerials() map[string]usbID {
	result := map[string]usbID{}
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(ftdiVendorID)
	})
	if err != nil {
		return result
	}
	for _, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			d.Close()
			continue
		}
		key := busAddrKey(d.Desc.Bus, d.Desc.Address)
		result[key] = usbID{vid: uint16(d.Desc.Vendor), pid: uint16(d.Desc.Product), serial: serial}
		d.Close()
	}
	return result
}

// ttyBusAddr resolves a ttyUSB* device node to the bus/address of the USB
// device it is exposed by, by following the kernel's own
// /sys/class/tty/<name>/device symlink (which resolves into the device's
// USB interface directory, e.g. .../usb1/1-1/1-1:1.0) and walking up parent
// directories until a busnum/devnum pair is found (the USB device directory
// one level above the interface, e.g. .../usb1/1-1).
func (p *Posix) ttyBusAddr(name string) (bus, addr int, ok bool) {
	sysDir := p.SysDir
	if sysDir == "" {
		sysDir = "/sys"
	}
	link := filepath.Join(sysDir, "class", "tty", name, "device")
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return 0, 0, false
	}
	for i := 0; i < 8; i++ {
		busRaw, errBus := os.ReadFile(filepath.Join(dir, "busnum"))
		addrRaw, errAddr := os.ReadFile(filepath.Join(dir, "devnum"))
		if errBus == nil && errAddr == nil {
			b, errB := strconv.Atoi(strings.TrimSpace(string(busRaw)))
			a, errA := strconv.Atoi(strings.TrimSpace(string(addrRaw)))
			if errB == nil && errA == nil {
				return b, a, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return 0, 0, false
}
