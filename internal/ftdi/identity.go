// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftdi parses FTDI device identities and reads their EEPROM.
//
// It generalizes the teacher's hostextra/d2xx device-open and EEPROM-decode
// path (dev.go, eeprom.go) from a single cgo-backed D2XX handle into a small
// Reader interface so the rest of the supervisor never depends on a specific
// transport (D2XX DLL, libftdi, or a test fake).
package ftdi

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

// deviceIDPattern matches the Windows-style FTDIBUS device id documented in
// FTDIBUS\VID_xxxx+PID_xxxx+<serial>\...
var deviceIDPattern = regexp.MustCompile(`(?i)^FTDIBUS\\VID_([0-9A-F]{4})\+PID_([0-9A-F]{4})\+([^\\]+)\\.*$`)

// chipFamilies maps a USB product id to its FTDI chip family.
var chipFamilies = map[uint16]bench.ChipFamily{
	0x6001: bench.FamilyFT232R,
	0x6014: bench.FamilyFT232H,
	0x6011: bench.FamilyFT4232H,
	0x6010: bench.FamilyFT2232H,
}

// FamilyForPID returns the chip family for a USB product id, or
// bench.FamilyUnknown if it isn't one of the recognized FTDI parts.
func FamilyForPID(pid uint16) bench.ChipFamily {
	if f, ok := chipFamilies[pid]; ok {
		return f
	}
	return bench.FamilyUnknown
}

// ParseDeviceID parses an OS device id of the form documented in Windows device ids and
// returns vendor id, product id, and serial number. It returns
// bench.KindNotFtdi if the id doesn't match the FTDIBUS shape.
func ParseDeviceID(osDeviceID string) (vid, pid uint16, serial string, err error) {
	m := deviceIDPattern.FindStringSubmatch(osDeviceID)
	if m == nil {
		return 0, 0, "", bench.NewError(bench.KindNotFtdi, "device id does not match FTDIBUS pattern: %q", osDeviceID)
	}
	v, e1 := strconv.ParseUint(m[1], 16, 16)
	p, e2 := strconv.ParseUint(m[2], 16, 16)
	if e1 != nil || e2 != nil {
		return 0, 0, "", bench.NewError(bench.KindNotFtdi, "malformed vid/pid in device id: %q", osDeviceID)
	}
	return uint16(v), uint16(p), m[3], nil
}

// Identify builds a FtdiIdentity from an OS device id, without touching
// hardware. EEPROM content is left invalid/empty; call Reader.ReadEEPROM to
// fill it in.
func Identify(osDeviceID string) (*bench.FtdiIdentity, error) {
	vid, pid, serial, err := ParseDeviceID(osDeviceID)
	if err != nil {
		return nil, err
	}
	return &bench.FtdiIdentity{
		VendorID:  vid,
		ProductID: pid,
		Family:    FamilyForPID(pid),
		Serial:    strings.TrimSpace(serial),
		Eeprom:    bench.EepromBlob{Fields: map[string]string{}, Valid: false},
	}, nil
}

// Handle is a low-level opened FTDI device, analogous to the teacher's
// device/d2xxHandle pair in hostextra/d2xx/d2xx.go, but reduced to the
// operations the supervisor needs: EEPROM read and close.
type Handle interface {
	// ReadEEPROM returns the raw string fields of the device EEPROM.
	ReadEEPROM() (map[string]string, error)
	Close() error
}

// Opener opens a low-level handle for a port name. Production code backs
// this with a real D2XX/libftdi binding (NoHardwareOpener in
// opener_default.go is the default when none is linked in); tests back it
// with a fake.
type Opener func(portName string) (Handle, error)

// Reader reads FTDI identity and EEPROM content for ports, degrading to
// "identity known from id, EEPROM invalid" on I/O failure.
type Reader struct {
	Open Opener
}

// NewReader builds a Reader around the given low-level opener.
func NewReader(open Opener) *Reader {
	return &Reader{Open: open}
}

// ReadEEPROM opens the device behind portName and reads its EEPROM into
// ident.Eeprom. On DeviceBusy or EepromUnreadable it still stores a non-nil
// blob marked invalid in ident.Eeprom, so the caller can treat it as
// identity-known-but-eeprom-unreadable and continue.
func (r *Reader) ReadEEPROM(portName string, ident *bench.FtdiIdentity) error {
	h, err := r.Open(portName)
	if err != nil {
		ident.Eeprom = bench.EepromBlob{Fields: map[string]string{}, Valid: false}
		return bench.Wrap(bench.KindDeviceBusy, err, portName)
	}
	defer h.Close()

	fields, err := h.ReadEEPROM()
	if err != nil {
		ident.Eeprom = bench.EepromBlob{Fields: map[string]string{}, Valid: false}
		return bench.Wrap(bench.KindEepromUnreadable, err, portName)
	}
	ident.Eeprom = bench.EepromBlob{Fields: fields, Valid: true}
	return nil
}
