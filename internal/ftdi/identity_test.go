// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import (
	"errors"
	"testing"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

func TestParseDeviceID(t *testing.T) {
	vid, pid, serial, err := ParseDeviceID(`FTDIBUS\VID_0403+PID_6011+AB12CD34\0000`)
	if err != nil {
		t.Fatalf("ParseDeviceID() err = %v", err)
	}
	if vid != 0x0403 || pid != 0x6011 || serial != "AB12CD34" {
		t.Fatalf("got vid=%#04x pid=%#04x serial=%q", vid, pid, serial)
	}
}

func TestParseDeviceIDNotFtdi(t *testing.T) {
	_, _, _, err := ParseDeviceID(`USB\VID_1234+PID_0000\0000`)
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindNotFtdi {
		t.Fatalf("expected KindNotFtdi, got %v", err)
	}
}

func TestFamilyForPID(t *testing.T) {
	cases := map[uint16]bench.ChipFamily{
		0x6001: bench.FamilyFT232R,
		0x6011: bench.FamilyFT4232H,
		0x6014: bench.FamilyFT232H,
		0x6010: bench.FamilyFT2232H,
		0x9999: bench.FamilyUnknown,
	}
	for pid, want := range cases {
		if got := FamilyForPID(pid); got != want {
			t.Errorf("FamilyForPID(%#04x) = %v, want %v", pid, got, want)
		}
	}
}

type fakeHandle struct {
	fields map[string]string
	err    error
	closed bool
}

func (f *fakeHandle) ReadEEPROM() (map[string]string, error) { return f.fields, f.err }
func (f *fakeHandle) Close() error                            { f.closed = true; return nil }

func TestReaderReadEEPROMSuccess(t *testing.T) {
	fh := &fakeHandle{fields: map[string]string{"ProductDescription": "client_demo"}}
	r := NewReader(func(string) (Handle, error) { return fh, nil })
	ident := &bench.FtdiIdentity{}
	if err := r.ReadEEPROM("COM4", ident); err != nil {
		t.Fatalf("ReadEEPROM() err = %v", err)
	}
	if !ident.Eeprom.Valid || ident.Eeprom.ProductDescription() != "client_demo" {
		t.Fatalf("got %+v", ident.Eeprom)
	}
	if !fh.closed {
		t.Fatal("handle was not closed")
	}
}

func TestReaderReadEEPROMUnreadableDegrades(t *testing.T) {
	fh := &fakeHandle{err: errors.New("boom")}
	r := NewReader(func(string) (Handle, error) { return fh, nil })
	ident := &bench.FtdiIdentity{Family: bench.FamilyFT232H}
	err := r.ReadEEPROM("COM4", ident)
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindEepromUnreadable {
		t.Fatalf("expected KindEepromUnreadable, got %v", err)
	}
	if ident.Eeprom.Valid {
		t.Fatal("expected invalid placeholder blob")
	}
	// Identity itself (family) survives the degraded read.
	if ident.Family != bench.FamilyFT232H {
		t.Fatal("identity from id should be retained")
	}
}
