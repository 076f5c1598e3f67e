// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

// Portable transport for hosts without direct termios ioctl support (or
// where it isn't worth hand-rolling per-OS): github.com/tarm/serial, the
// same library seedhammer-seedhammer's mjolnir driver uses to talk to its
// UUT-like peripheral (driver/mjolnir/device.go), configured from
// config.PortConfig instead of a single fixed baud rate.

package serial

import (
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

type fallbackTransport struct {
	port *serial.Port
}

// OpenFallback opens port via tarm/serial, decoding cfg.DataPattern (e.g.
// "n81") into parity/data-bits/stop-bits the way applyDataPattern does for
// the POSIX termios backend.
func OpenFallback(port string, cfg config.PortConfig) (Transport, error) {
	parity, dataBits, stopBits := decodeDataPattern(cfg.DataPattern)
	c := &serial.Config{
		Name:        port,
		Baud:        cfg.Speed,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
		Size:        dataBits,
		Parity:      parity,
		StopBits:    stopBits,
	}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return &fallbackTransport{port: p}, nil
}

func decodeDataPattern(pattern string) (serial.Parity, byte, serial.StopBits) {
	if len(pattern) < 3 {
		return serial.ParityNone, 8, serial.Stop1
	}
	var parity serial.Parity
	switch pattern[0] {
	case 'e', 'E':
		parity = serial.ParityEven
	case 'o', 'O':
		parity = serial.ParityOdd
	default:
		parity = serial.ParityNone
	}
	dataBits, _ := strconv.Atoi(string(pattern[1]))
	if dataBits == 0 {
		dataBits = 8
	}
	stop := serial.Stop1
	if pattern[2] == '2' {
		stop = serial.Stop2
	}
	return parity, byte(dataBits), stop
}

func (f *fallbackTransport) Read(b []byte) (int, error)  { return f.port.Read(b) }
func (f *fallbackTransport) Write(b []byte) (int, error) { return f.port.Write(b) }
func (f *fallbackTransport) Close() error                { return f.port.Close() }

// tarm/serial has no per-call deadline API; ReadTimeout was fixed at open
// time above, so these are no-ops that satisfy the Transport interface.
func (f *fallbackTransport) SetReadDeadline(t time.Time) error  { return nil }
func (f *fallbackTransport) SetWriteDeadline(t time.Time) error { return nil }
