// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package serial is the byte-stream serial protocol handler (component K):
// session open/close state machine plus request/response with timeouts and
// retries. No framing is imposed; callers supply raw command bytes and a
// terminator/expected-pattern to read until.
package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

// State is the session lifecycle state:
// Closed -> Opening -> Open -> Closing -> Closed.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Transport is the minimal byte-stream contract a platform backend must
// satisfy. Production backends wrap a POSIX termios fd or github.com/tarm/
// serial.Port; tests wrap an in-memory byte pipe.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Opener opens a Transport configured per cfg.
type Opener func(port string, cfg config.PortConfig) (Transport, error)

// Request is one command sent to the UUT.
type Request struct {
	Bytes       []byte
	Terminator  []byte // e.g. "\r\n"; empty means read-until-timeout
	MaxLen      int    // 0 = unbounded (bounded only by terminator/timeout)
	TimeoutMs   int
	RetryCount  int
}

// Response is what came back before the terminator, pattern boundary, or
// timeout fired.
type Response struct {
	Text    string
	TimedOut bool
}

// Session is one serial connection to Port. It carries no session id of its
// own; the pool's allocation is what identifies the caller's session.
type Session struct {
	Port string

	mu        sync.Mutex
	state     State
	transport Transport
}

// NewSession constructs a session in the Closed state.
func NewSession(port string) *Session {
	return &Session{Port: port, state: StateClosed}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open transitions Closed -> Opening -> Open, configuring the transport per
// cfg (baud/parity/data-bits/stop-bits/flow-control/timeouts, DTR/RTS).
func (s *Session) Open(open Opener, cfg config.PortConfig) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return bench.NewError(bench.KindSessionNotOpen, "session for %s already %s", s.Port, s.state)
	}
	s.state = StateOpening
	s.mu.Unlock()

	t, err := open(s.Port, cfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return bench.Wrap(bench.KindProtocolIoError, err, s.Port)
	}

	s.mu.Lock()
	s.transport = t
	s.state = StateOpen
	s.mu.Unlock()
	return nil
}

// Close closes the transport and transitions to Closed. It does not drain or
// flush pending output itself beyond what the transport's Close does.
// Idempotent: a second Close on an already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	t := s.transport
	s.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}

	s.mu.Lock()
	s.transport = nil
	s.state = StateClosed
	s.mu.Unlock()
	if err != nil {
		return bench.Wrap(bench.KindProtocolIoError, err, s.Port)
	}
	return nil
}

// SendCommand writes req.Bytes and reads until the terminator is seen, the
// optional MaxLen boundary is hit, or the timeout elapses. I/O errors are
// retried up to req.RetryCount times. ctx is checked before each attempt: a
// cancelled ctx returns KindCancelled without sending. A ctx deadline earlier
// than the request timeout shortens each read's deadline; a cancellation
// that arrives while a read is in progress does not interrupt that read.
func (s *Session) SendCommand(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return Response{}, bench.NewError(bench.KindSessionNotOpen, "session for %s is %s", s.Port, s.state)
	}
	t := s.transport
	s.mu.Unlock()

	var lastErr error
	var lastResp Response
	attempts := req.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return Response{}, bench.NewError(bench.KindCancelled, "send cancelled for %s", s.Port)
		default:
		}

		resp, err := s.sendOnce(ctx, t, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		lastResp = resp
	}
	return lastResp, lastErr
}

func (s *Session) sendOnce(ctx context.Context, t Transport, req Request) (Response, error) {
	deadline := time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.SetWriteDeadline(deadline); err != nil {
		return Response{}, bench.Wrap(bench.KindProtocolIoError, err, s.Port)
	}
	if _, err := t.Write(req.Bytes); err != nil {
		return Response{}, bench.Wrap(bench.KindProtocolIoError, err, s.Port)
	}

	if err := t.SetReadDeadline(deadline); err != nil {
		return Response{}, bench.Wrap(bench.KindProtocolIoError, err, s.Port)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for {
		if req.MaxLen > 0 && buf.Len() >= req.MaxLen {
			return Response{Text: buf.String()}, nil
		}
		n, err := t.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if len(req.Terminator) > 0 && bytes.HasSuffix(buf.Bytes(), req.Terminator) {
				return Response{Text: buf.String()}, nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				return Response{Text: buf.String(), TimedOut: true}, bench.NewError(bench.KindProtocolTimeout, "read timeout on %s", s.Port)
			}
			return Response{}, bench.Wrap(bench.KindProtocolIoError, err, s.Port)
		}
	}
}

// isTimeout reports whether err indicates a deadline exceeded, matching both
// net.Error's Timeout() and the plain os.ErrDeadlineExceeded some Transport
// implementations surface.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
