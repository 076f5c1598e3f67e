// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package workflow executes the Start/Test/Stop sequence for one
// (BIB, UUT, port) triple (component M): it reserves a port (G), opens a
// protocol session (K), evaluates each phase's response (J), applies the
// continue-on-failure policy, and drives the GPIO critical-fail signal (L)
// on Critical outcomes.
//
// Like the rest of the supervisor it never panics or returns an error across
// its boundary: Run always returns a bench.WorkflowResult, matching the
// teacher's preference for typed results over exceptions (see toErr in
// hostextra/d2xx/d2xx.go).
package workflow

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
	"github.com/fortitude-labs/benchsupervisor/internal/gpio"
	"github.com/fortitude-labs/benchsupervisor/internal/pool"
	"github.com/fortitude-labs/benchsupervisor/internal/protocol"
	"github.com/fortitude-labs/benchsupervisor/internal/serial"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
)

// powerOnPollInterval is how often Run polls ReadPowerOnReady while waiting.
const powerOnPollInterval = 20 * time.Millisecond

var orderedPhases = []bench.Phase{bench.PhaseStart, bench.PhaseTest, bench.PhaseStop}

func commandFor(pc config.PortConfig, phase bench.Phase) config.ProtocolCommand {
	switch phase {
	case bench.PhaseStart:
		return pc.Start
	case bench.PhaseTest:
		return pc.Test
	default:
		return pc.Stop
	}
}

// inputEventer is satisfied by *gpio.Provider; the Null stub has no events,
// so power-down monitoring is simply unavailable when hardware is absent
// (spec: "absent hardware ... CRITICAL-level workflow decisions do not
// change" — power-down monitoring degrades the same way).
type inputEventer interface {
	Events() <-chan gpio.InputEvent
}

// Orchestrator runs workflows against a shared Reservations layer and
// session opener. One Orchestrator is typically shared by every (BIB, UUT,
// port) triple in a process, the same way Pool and Cache are process-wide
// but passed explicitly (see internal/bench/context.go).
type Orchestrator struct {
	Reservations *pool.Reservations
	OpenSession  serial.Opener
	Logger       *log.Logger
	Strict       bool
}

// New builds an Orchestrator. strict mirrors validate.Config.Strict: in
// strict mode a config attempting continue_on_failure on a Critical level is
// refused (logged, not applied) per spec §9's Open Question resolution.
func New(res *pool.Reservations, open serial.Opener, strict bool) *Orchestrator {
	return &Orchestrator{
		Reservations: res,
		OpenSession:  open,
		Logger:       log.New(os.Stderr, "workflow: ", log.LstdFlags),
		Strict:       strict,
	}
}

// Run executes one (bibID, uutID, port) triple's Start/Test/Stop sequence.
// gp is the GPIO provider for the owning device (gpio.Null{} if the BIB has
// no hardware_config). validatorCfg may be nil to accept any free port.
func (o *Orchestrator) Run(ctx context.Context, bibID, uutID string, portCfg config.PortConfig, gp gpio.Interface, clientID string, validatorCfg *validate.Config) bench.WorkflowResult {
	start := time.Now()
	res := bench.WorkflowResult{BibID: bibID, UutID: uutID}

	reservation, ok := o.Reservations.Reserve(validatorCfg, clientID, 0)
	if !ok {
		res.Aggregate = bench.LevelCritical
		res.StopReason = string(bench.KindNoPortAvailable)
		res.Duration = time.Since(start)
		return res
	}
	res.Port = reservation.Allocation.Port
	defer o.Reservations.ReleaseReservation(reservation.ReservationID, clientID)

	if portCfg.Workflow != nil && portCfg.Workflow.WaitForPowerOnReady {
		if !o.waitForPowerOnReady(ctx, gp, portCfg.Workflow.PowerOnReadyTimeoutMs) {
			res.Aggregate = bench.LevelCritical
			res.StopReason = string(bench.KindPowerOnReadyTimeout)
			res.Duration = time.Since(start)
			return res
		}
	}

	session := serial.NewSession(res.Port)
	if err := session.Open(o.OpenSession, portCfg); err != nil {
		o.Logger.Printf("bib=%s uut=%s port=%s: open failed: %v", bibID, uutID, res.Port, err)
		res.Aggregate = bench.LevelCritical
		res.StopReason = "SessionOpenFailed"
		res.Duration = time.Since(start)
		return res
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var powerDown powerDownFlag
	if ev, ok := gp.(inputEventer); ok {
		go watchPowerDown(runCtx, ev, cancel, &powerDown)
	}

	skip := false
	stopReason := ""
	for _, phase := range orderedPhases {
		if phase == bench.PhaseStop {
			// The Stop phase always runs for cleanup once a session opened.
			skip = false
		} else if skip {
			res.Phases = append(res.Phases, bench.PhaseResult{Phase: phase, Skipped: true})
			continue
		} else {
			select {
			case <-runCtx.Done():
				res.Phases = append(res.Phases, bench.PhaseResult{Phase: phase, Skipped: true})
				if stopReason == "" {
					stopReason = cancelReason(&powerDown)
				}
				skip = true
				continue
			default:
			}
		}

		cmd := commandFor(portCfg, phase)
		phaseCtx := runCtx
		if phase == bench.PhaseStop {
			// Cleanup does not inherit a cancellation of the run itself.
			phaseCtx = context.WithoutCancel(ctx)
		}
		pr := o.runPhase(phaseCtx, session, phase, cmd, gp)
		res.Phases = append(res.Phases, pr)

		contribution := pr.Level
		if phase == bench.PhaseStop && contribution == bench.LevelFail {
			// Stop-phase failures never escalate the aggregate past Warn
			// unless themselves Critical.
			contribution = bench.LevelWarn
		}
		res.Aggregate = bench.Max(res.Aggregate, contribution)

		if phase == bench.PhaseStop {
			continue
		}

		stop, reason := o.decideContinue(pr.Level, cmd, gp)
		if stop {
			skip = true
			if stopReason == "" {
				stopReason = reason
			}
		}
		if runCtx.Err() != nil {
			skip = true
			if stopReason == "" {
				stopReason = cancelReason(&powerDown)
			}
		}
	}

	if err := session.Close(); err != nil {
		o.Logger.Printf("bib=%s uut=%s port=%s: close: %v", bibID, uutID, res.Port, err)
	}

	res.StopReason = stopReason
	res.Duration = time.Since(start)
	return res
}

// waitForPowerOnReady polls gp.ReadPowerOnReady() until it returns true, ctx
// is cancelled, or timeoutMs elapses.
func (o *Orchestrator) waitForPowerOnReady(ctx context.Context, gp gpio.Interface, timeoutMs int) bool {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if ready, _ := gp.ReadPowerOnReady(); ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(powerOnPollInterval):
		}
	}
}

// runPhase sends one phase's command and classifies the response.
func (o *Orchestrator) runPhase(ctx context.Context, session *serial.Session, phase bench.Phase, cmd config.ProtocolCommand, gp gpio.Interface) bench.PhaseResult {
	started := time.Now()
	req := serial.Request{
		Bytes:      commandBytes(cmd.Command),
		Terminator: []byte("\r\n"),
		TimeoutMs:  cmd.TimeoutMs,
		RetryCount: cmd.RetryCount,
	}

	resp, err := session.SendCommand(ctx, req)
	pr := bench.PhaseResult{Phase: phase, Response: resp.Text, Duration: time.Since(started)}

	switch {
	case err == nil:
		pr.Outcome = protocol.Evaluate(cmd, resp.Text)
	case isKind(err, bench.KindCancelled):
		pr.Skipped = true
		pr.Err = err
		return pr
	case isKind(err, bench.KindProtocolTimeout):
		// Feed the (possibly empty) partial response through J as usual: a
		// configured Critical pattern matching it still wins, otherwise the
		// timeout is a Fail.
		pr.Outcome = protocol.Evaluate(cmd, resp.Text)
		if pr.Outcome.Level != bench.LevelCritical {
			pr.Outcome = bench.ValidationOutcome{Level: bench.LevelFail, Reason: err.Error()}
		}
		pr.Err = err
	default:
		pr.Outcome = bench.ValidationOutcome{Level: bench.LevelFail, Reason: err.Error()}
		pr.Err = err
	}
	pr.Level = pr.Outcome.Level

	if pr.Level == bench.LevelCritical {
		if lvl, ok := findLevelConfig(cmd, bench.LevelCritical); ok && lvl.TriggerHardware {
			if err := gp.SetCriticalFailSignal(true); err != nil {
				o.Logger.Printf("phase=%s: SetCriticalFailSignal: %v", phase, err)
			}
		}
	}
	return pr
}

// decideContinue applies the §4.M continue policy for one non-Stop phase's
// outcome, consulting the matching validation-level config (if any) for its
// stop_workflow/continue_on_failure overrides.
func (o *Orchestrator) decideContinue(level bench.Level, cmd config.ProtocolCommand, gp gpio.Interface) (stop bool, reason string) {
	lvl, hasLvl := findLevelConfig(cmd, level)

	switch level {
	case bench.LevelPass:
		stop, reason = false, ""
	case bench.LevelWarn:
		stop, reason = false, ""
	case bench.LevelFail:
		cont := cmd.ContinueOnFailure
		if hasLvl {
			cont = cont || lvl.ContinueOnFailure
		}
		stop, reason = !cont, string(bench.KindValidationFailed)
	case bench.LevelCritical:
		stop, reason = true, "CriticalStop"
		if hasLvl && lvl.ContinueOnFailure {
			if o.Strict {
				o.Logger.Printf("config attempted continue_on_failure override on a Critical level; refused in strict mode")
			} else {
				stop = false
			}
		}
	}

	if hasLvl && lvl.StopWorkflow {
		stop = true
		if reason == "" {
			reason = "StopWorkflowRequested"
		}
	}
	return stop, reason
}

func findLevelConfig(cmd config.ProtocolCommand, level bench.Level) (config.ValidationLevelConfig, bool) {
	for _, l := range cmd.Levels {
		if l.Level == level {
			return l, true
		}
	}
	return config.ValidationLevelConfig{}, false
}

func commandBytes(command string) []byte {
	b := []byte(command)
	if len(b) >= 2 && string(b[len(b)-2:]) == "\r\n" {
		return b
	}
	return append(b, '\r', '\n')
}

func isKind(err error, k bench.Kind) bool {
	return errors.Is(err, &bench.Error{Kind: k})
}

// powerDownFlag records whether cancellation was caused by a power-down
// event rather than external ctx cancellation, so the returned StopReason
// is accurate either way.
type powerDownFlag struct {
	mu      sync.Mutex
	tripped bool
}

func (f *powerDownFlag) trip() {
	f.mu.Lock()
	f.tripped = true
	f.mu.Unlock()
}

func (f *powerDownFlag) isTripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

func cancelReason(f *powerDownFlag) string {
	if f.isTripped() {
		return string(bench.KindPowerDownRequested)
	}
	return string(bench.KindCancelled)
}

// watchPowerDown listens for a PowerDownHeadsUp assertion and calls cancel
// when seen, so no further Start/Test send begins and the run goes to the
// Stop phase. A send already in progress is not interrupted; it returns when
// its own read deadline passes.
func watchPowerDown(ctx context.Context, ev inputEventer, cancel context.CancelFunc, flag *powerDownFlag) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ev.Events():
			if !ok {
				return
			}
			if e.Name == "power_down_heads_up" && e.Value {
				flag.trip()
				cancel()
				return
			}
		}
	}
}
