// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build linux

// POSIX transport: opens the tty device node directly and configures
// baud/parity/data-bits/stop-bits/flow-control/DTR/RTS via termios ioctls,
// in the same spirit as the teacher pack's Daedaluz-goserial port_linux.go
// (GetAttr/SetAttr around a raw Termios struct), but built on
// golang.org/x/sys/unix instead of a bespoke ioctl package so the
// supervisor has one fewer hand-rolled syscall layer to maintain.

package serial

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// posixTransport wraps an opened tty file descriptor configured via termios.
type posixTransport struct {
	f *os.File
}

// OpenPosix opens port and configures it per cfg. It implements serial.Opener.
func OpenPosix(port string, cfg config.PortConfig) (Transport, error) {
	f, err := os.OpenFile(port, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, err
	}

	cfmakeraw(t)
	applyDataPattern(t, cfg.DataPattern)
	applyHandshake(t, cfg.Handshake)

	rate, ok := baudRates[cfg.Speed]
	if !ok {
		rate = unix.B115200
	}
	t.Ispeed = rate
	t.Ospeed = rate
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, err
	}

	var bits int
	if cfg.DTREnable {
		bits |= unix.TIOCM_DTR
	}
	if cfg.RTSEnable {
		bits |= unix.TIOCM_RTS
	}
	if bits != 0 {
		unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bits)
	}

	return &posixTransport{f: f}, nil
}

// applyDataPattern decodes a pattern like "n81" (no parity, 8 data bits, 1
// stop bit) into the termios control flags.
func applyDataPattern(t *unix.Termios, pattern string) {
	if len(pattern) < 3 {
		return
	}
	parity := pattern[0]
	dataBits, _ := strconv.Atoi(string(pattern[1]))
	stopBits, _ := strconv.Atoi(string(pattern[2]))

	t.Cflag &^= unix.CSIZE
	switch dataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	switch parity {
	case 'e', 'E':
		t.Cflag |= unix.PARENB
		t.Cflag &^= unix.PARODD
	case 'o', 'O':
		t.Cflag |= unix.PARENB | unix.PARODD
	default:
		t.Cflag &^= unix.PARENB
	}

	if stopBits == 2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}
}

func applyHandshake(t *unix.Termios, handshake string) {
	switch handshake {
	case "rts_cts", "hardware":
		t.Cflag |= unix.CRTSCTS
	case "xon_xoff", "software":
		t.Iflag |= unix.IXON | unix.IXOFF
	default:
		t.Cflag &^= unix.CRTSCTS
		t.Iflag &^= (unix.IXON | unix.IXOFF)
	}
}

// cfmakeraw mirrors glibc's cfmakeraw(3): disable canonical mode, echo,
// signal generation, and most input/output processing, so reads return raw
// bytes exactly as sent by the UUT.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
}

func (p *posixTransport) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *posixTransport) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *posixTransport) Close() error                { return p.f.Close() }

func (p *posixTransport) SetReadDeadline(t time.Time) error  { return p.f.SetReadDeadline(t) }
func (p *posixTransport) SetWriteDeadline(t time.Time) error { return p.f.SetWriteDeadline(t) }
