// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bench

import "time"

// Runtime is the explicit, startup-created handle threading every
// process-wide subsystem through the rest of the supervisor.
//
// The studied driver (hostextra/d2xx/driver.go) keeps a package-level
// `var drv driver` singleton, discovered and mutated from init() and from
// every exported function. Per design note §9 ("pass them explicitly
// through a context value created at startup and shared by all tasks"),
// this repo has no package-level singleton: cmd/benchsupervisord builds one
// *Runtime in main() and passes it down explicitly; tests build their own
// scoped Runtime instead of depending on global state.
//
// Runtime deliberately holds interface{} for the pool/cache/reservation
// fields: internal/bench is a leaf package the pool, cache, config, and
// workflow packages all import, so it cannot import them back without a
// cycle. Callers type-assert to the concrete type they expect; main.go is
// the only place that constructs the Runtime and sets its fields.
type Runtime struct {
	StartedAt time.Time

	Pool         interface{} // *pool.Pool
	Reservations interface{} // *pool.Reservations
	Cache        interface{} // *sysinfo.Cache
	Watcher      interface{} // *watcher.Watcher
	Orchestrator interface{} // *workflow.Orchestrator
}

// NewRuntime builds a Runtime stamped with the current time.
func NewRuntime() *Runtime {
	return &Runtime{StartedAt: time.Now()}
}
