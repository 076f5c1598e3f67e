// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gpio

import "time"

// Interface is the capability set component M depends on, satisfied by both
// *Provider and Null so the workflow orchestrator never has to nil-check for
// absent hardware.
type Interface interface {
	ReadInput(name string) (bool, error)
	WriteOutput(name string, value bool) error
	PulseOutput(name string, duration time.Duration) error
	ReadPowerOnReady() (bool, error)
	ReadPowerDownHeadsUp() (bool, error)
	SetCriticalFailSignal(value bool) error
	StartPolling()
	Stop()
}

// Null is the absent-hardware stub: it no-ops all outputs and returns false
// for all inputs, so CRITICAL-level workflow decisions never depend on hardware presence.
type Null struct{}

func (Null) ReadInput(string) (bool, error)               { return false, nil }
func (Null) WriteOutput(string, bool) error                { return nil }
func (Null) PulseOutput(string, time.Duration) error        { return nil }
func (Null) ReadPowerOnReady() (bool, error)               { return false, nil }
func (Null) ReadPowerDownHeadsUp() (bool, error)           { return false, nil }
func (Null) SetCriticalFailSignal(bool) error               { return nil }
func (Null) StartPolling()                                  {}
func (Null) Stop()                                           {}

var _ Interface = Null{}
var _ Interface = (*Provider)(nil)
