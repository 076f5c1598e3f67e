// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package serial

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

// fakeTransport is an in-memory Transport: writes are recorded, reads come
// from a preloaded buffer, mirroring driver_test.go's d2xxFakeHandle shape.
type fakeTransport struct {
	toRead   []byte
	readErr  error
	writes   [][]byte
	closed   bool
	deadline time.Time
}

func (f *fakeTransport) Read(b []byte) (int, error) {
	if len(f.toRead) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(b, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeTransport) Close() error                        { f.closed = true; return nil }
func (f *fakeTransport) SetReadDeadline(t time.Time) error    { f.deadline = t; return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error     { return nil }

func testPortConfig() config.PortConfig {
	return config.PortConfig{Speed: 115200, DataPattern: "n81"}
}

func TestSessionOpenCloseLifecycle(t *testing.T) {
	s := NewSession("COM4")
	if s.State() != StateClosed {
		t.Fatalf("initial state = %v", s.State())
	}
	ft := &fakeTransport{}
	if err := s.Open(func(string, config.PortConfig) (Transport, error) { return ft, nil }, testPortConfig()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state after open = %v", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed || !ft.closed {
		t.Fatalf("expected closed, got state=%v closed=%v", s.State(), ft.closed)
	}
	// Idempotent close.
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestSendCommandNotOpenFails(t *testing.T) {
	s := NewSession("COM4")
	_, err := s.SendCommand(context.Background(), Request{TimeoutMs: 10})
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindSessionNotOpen {
		t.Fatalf("expected SessionNotOpen, got %v", err)
	}
}

func TestSendCommandReadsUntilTerminator(t *testing.T) {
	s := NewSession("COM4")
	ft := &fakeTransport{toRead: []byte("OK\r\n")}
	s.Open(func(string, config.PortConfig) (Transport, error) { return ft, nil }, testPortConfig())

	resp, err := s.SendCommand(context.Background(), Request{
		Bytes: []byte("PING\r\n"), Terminator: []byte("\r\n"), TimeoutMs: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "OK\r\n" {
		t.Fatalf("got %q", resp.Text)
	}
	if len(ft.writes) != 1 || string(ft.writes[0]) != "PING\r\n" {
		t.Fatalf("unexpected writes: %v", ft.writes)
	}
}

func TestSendCommandTimeoutIsFailNotPanic(t *testing.T) {
	s := NewSession("COM4")
	ft := &fakeTransport{} // Read always returns ErrDeadlineExceeded
	s.Open(func(string, config.PortConfig) (Transport, error) { return ft, nil }, testPortConfig())

	_, err := s.SendCommand(context.Background(), Request{Bytes: []byte("X"), Terminator: []byte("\n"), TimeoutMs: 5})
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindProtocolTimeout {
		t.Fatalf("expected ProtocolTimeout, got %v", err)
	}
}

func TestSendCommandRetriesOnIOError(t *testing.T) {
	s := NewSession("COM4")
	attempts := 0
	ft := &fakeTransport{readErr: errors.New("i/o error")}
	s.Open(func(string, config.PortConfig) (Transport, error) { return ft, nil }, testPortConfig())

	// Count attempts by the number of writes the fake recorded.
	_, err := s.SendCommand(context.Background(), Request{Bytes: []byte("X"), Terminator: []byte("\n"), TimeoutMs: 5, RetryCount: 2})
	attempts = len(ft.writes)
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindProtocolIoError {
		t.Fatalf("expected ProtocolIoError after exhausting retries, got %v", err)
	}
}

func TestSendCommandCancelled(t *testing.T) {
	s := NewSession("COM4")
	ft := &fakeTransport{toRead: []byte("OK\n")}
	s.Open(func(string, config.PortConfig) (Transport, error) { return ft, nil }, testPortConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SendCommand(ctx, Request{Bytes: []byte("X"), Terminator: []byte("\n"), TimeoutMs: 100})
	var be *bench.Error
	if !errors.As(err, &be) || be.Kind != bench.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}
