// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gpio is the bit-bang GPIO provider (component L): named input and
// output bit lines backed by an FTDI synchronous bit-bang bus, in the same
// shape as hostextra/d2xx's syncPin/syncBus, but addressed by the name given
// in a BIB's hardware_config rather than by periph.io pin number, and with a
// debounced poller that emits InputChanged events instead of exposing raw
// gpio.PinIn.WaitForEdge semantics (the d2xx backend reports WaitForEdge as
// unsupported, so polling is the only portable option here).
package gpio

import (
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

// Bus is the raw bit-bang device contract a Provider drives, mirroring
// hostextra/d2xx's syncBus interface but keyed by configured bit number
// instead of a periph.io pin index.
type Bus interface {
	ReadBits() (uint8, error)
	WriteBit(bit int, level gpio.Level) error
}

// InputEvent is emitted by the poller when a debounced input's level settles
// on a new value.
type InputEvent struct {
	Name     string
	Value    bool
	At       time.Time
}

// Provider drives a Bus and a BitBangConfig.
type Provider struct {
	bus Bus
	cfg *config.BitBangConfig

	mu        sync.Mutex
	lastValue map[string]bool // last debounced/published value
	pending   map[string]time.Time // name -> when sample first started differing from lastValue

	events chan InputEvent

	critical     bool
	criticalStop chan struct{}

	stop chan struct{}
	done chan struct{}
}

// Select wraps bus with the bit definitions in cfg, or returns Null if cfg
// is nil or cfg.Enabled is false, so callers never need to nil-check.
func Select(bus Bus, cfg *config.BitBangConfig) Interface {
	if cfg == nil || !cfg.Enabled {
		return Null{}
	}
	return New(bus, cfg)
}

// New wraps bus with the bit definitions in cfg. Prefer Select when cfg may
// be absent or disabled.
func New(bus Bus, cfg *config.BitBangConfig) *Provider {
	return &Provider{
		bus:       bus,
		cfg:       cfg,
		lastValue: map[string]bool{},
		pending:   map[string]time.Time{},
		events:    make(chan InputEvent, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events returns the channel InputChanged notifications are delivered on.
func (p *Provider) Events() <-chan InputEvent { return p.events }

func (p *Provider) findInput(name string) (config.BitBangBit, bool) {
	for _, b := range p.cfg.InputBits {
		if b.Name == name {
			return b, true
		}
	}
	return config.BitBangBit{}, false
}

func (p *Provider) findOutput(name string) (config.BitBangBit, bool) {
	for _, b := range p.cfg.OutputBits {
		if b.Name == name {
			return b, true
		}
	}
	return config.BitBangBit{}, false
}

// ReadInput returns the last debounced value of the named input bit,
// resolved for active-low polarity.
func (p *Provider) ReadInput(name string) (bool, error) {
	if _, ok := p.findInput(name); !ok {
		return false, bench.NewError(bench.KindHardwareUnavailable, "no such input bit %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastValue[name], nil
}

// WriteOutput sets the named output bit, applying active-low polarity.
func (p *Provider) WriteOutput(name string, value bool) error {
	b, ok := p.findOutput(name)
	if !ok {
		return bench.NewError(bench.KindHardwareUnavailable, "no such output bit %q", name)
	}
	return p.bus.WriteBit(b.Bit, levelFor(value, b.ActiveLow))
}

// PulseOutput sets the named output then clears it after duration (or the
// bit's configured PulseWidthMs if duration is 0).
func (p *Provider) PulseOutput(name string, duration time.Duration) error {
	b, ok := p.findOutput(name)
	if !ok {
		return bench.NewError(bench.KindHardwareUnavailable, "no such output bit %q", name)
	}
	if duration == 0 {
		duration = time.Duration(b.PulseWidthMs) * time.Millisecond
	}
	if err := p.bus.WriteBit(b.Bit, levelFor(true, b.ActiveLow)); err != nil {
		return err
	}
	time.AfterFunc(duration, func() {
		p.bus.WriteBit(b.Bit, levelFor(false, b.ActiveLow))
	})
	return nil
}

// ReadPowerOnReady reads the conventionally named "power_on_ready" input.
func (p *Provider) ReadPowerOnReady() (bool, error) { return p.ReadInput("power_on_ready") }

// ReadPowerDownHeadsUp reads the conventionally named "power_down_heads_up" input.
func (p *Provider) ReadPowerDownHeadsUp() (bool, error) { return p.ReadInput("power_down_heads_up") }

// SetCriticalFailSignal drives the conventionally named "critical_fail"
// output. If the config's AutoClear is set and value is true, the signal is
// automatically cleared after SignalHoldMs.
func (p *Provider) SetCriticalFailSignal(value bool) error {
	if err := p.WriteOutput("critical_fail", value); err != nil {
		return err
	}
	p.mu.Lock()
	if p.criticalStop != nil {
		close(p.criticalStop)
		p.criticalStop = nil
	}
	p.critical = value
	var hold chan struct{}
	if value && p.cfg.AutoClear && p.cfg.SignalHoldMs > 0 {
		hold = make(chan struct{})
		p.criticalStop = hold
	}
	p.mu.Unlock()

	if hold == nil {
		return nil
	}
	go func() {
		select {
		case <-time.After(time.Duration(p.cfg.SignalHoldMs) * time.Millisecond):
			p.WriteOutput("critical_fail", false)
			p.mu.Lock()
			p.critical = false
			p.mu.Unlock()
		case <-hold:
		}
	}()
	return nil
}

// StartPolling begins sampling inputs at cfg.PollingIntervalMs, debouncing
// per bit, and publishing InputEvent on Events(). It owns a single goroutine
// per provider.
func (p *Provider) StartPolling() {
	interval := time.Duration(p.cfg.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	go func() {
		defer close(p.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.poll()
			}
		}
	}()
}

// Stop halts the poller and waits for it to exit.
func (p *Provider) Stop() {
	close(p.stop)
	<-p.done
}

// poll samples the bus once and debounces each input against its last
// *published* value (p.lastValue), not the raw sample from the previous
// poll: a bit must disagree with lastValue for DebounceMs continuously
// before it commits and fires an InputEvent. Any poll where the sample
// agrees with lastValue again, including a mid-debounce bounce back to the
// old value, cancels the pending timer, so a transient never commits and a
// stable new value always eventually does.
func (p *Provider) poll() {
	raw, err := p.bus.ReadBits()
	if err != nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.cfg.InputBits {
		sample := levelSet(raw, b.Bit, b.ActiveLow)
		if sample == p.lastValue[b.Name] {
			delete(p.pending, b.Name)
			continue
		}
		since, pending := p.pending[b.Name]
		if !pending {
			p.pending[b.Name] = now
			continue
		}
		debounce := time.Duration(b.DebounceMs) * time.Millisecond
		if now.Sub(since) < debounce {
			continue
		}
		delete(p.pending, b.Name)
		p.lastValue[b.Name] = sample
		select {
		case p.events <- InputEvent{Name: b.Name, Value: sample, At: now}:
		default:
		}
	}
}

func levelFor(value, activeLow bool) gpio.Level {
	if activeLow {
		value = !value
	}
	return gpio.Level(value)
}

func levelSet(raw uint8, bit int, activeLow bool) bool {
	v := raw&(1<<uint(bit)) != 0
	if activeLow {
		v = !v
	}
	return v
}
