// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pool is the thread-safe port pool with session accounting
// (component F). It replaces the teacher's process-wide "var drv driver"
// singleton (hostextra/d2xx/driver.go) with an explicit struct created at
// startup and passed around.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/enum"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
)

// Checker decides whether a candidate port is acceptable for allocation.
// nil means "accept the first free port" (no validator check).
type Checker func(bench.PortInfo) bool

// Pool is the Port Pool. All Allocate/Release paths are serialized by mu;
// read-only queries take a snapshot under mu and do no I/O while holding
// it. The exclusive lock is held only for the critical section; enumeration
// (in Allocate and GetStatistics) happens outside it.
type Pool struct {
	enumerator enum.Enumerator

	mu          sync.Mutex
	allocations map[string]*bench.PortAllocation // port name -> latest record (active or historical)
	disposed    bool
}

// New builds a Pool backed by the given Enumerator.
func New(enumerator enum.Enumerator) *Pool {
	return &Pool{enumerator: enumerator, allocations: map[string]*bench.PortAllocation{}}
}

// Allocate grants the first free port satisfying check (nil accepts any
// free port). Returns (alloc, true) on success, (zero, false) otherwise;
// Allocate never returns an error: callers get a bool/nil instead of a thrown error.
func (p *Pool) Allocate(check Checker, clientID string) (bench.PortAllocation, bool) {
	ports, err := p.enumerator.Enumerate()
	if err != nil {
		return bench.PortAllocation{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return bench.PortAllocation{}, false
	}

	for _, port := range ports {
		if a, ok := p.allocations[port.Name]; ok && a.IsActive {
			continue
		}
		if check != nil && !check(port) {
			continue
		}
		alloc := bench.PortAllocation{
			Port:        port.Name,
			SessionID:   uuid.NewString(),
			ClientID:    clientID,
			AllocatedAt: time.Now(),
			IsActive:    true,
		}
		rec := alloc
		p.allocations[port.Name] = &rec
		return alloc, true
	}
	return bench.PortAllocation{}, false
}

// AllocateWithConfig is a convenience wrapper building a Checker from a
// validate.Config, matching the optional validator-check step of Allocate
// above.
func (p *Pool) AllocateWithConfig(cfg *validate.Config, clientID string) (bench.PortAllocation, bool) {
	var check Checker
	if cfg != nil {
		check = func(pi bench.PortInfo) bool {
			return validate.Validate(pi, *cfg).Level == bench.LevelPass
		}
	}
	return p.Allocate(check, clientID)
}

// Release marks the active allocation for port released. If sessionID is
// non-empty it must match the active allocation's session id, or Release
// returns false without mutating state. Releasing an already-released
// allocation likewise returns false and does not mutate state.
func (p *Pool) Release(port string, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return false
	}
	a, ok := p.allocations[port]
	if !ok || !a.IsActive {
		return false
	}
	if sessionID != "" && a.SessionID != sessionID {
		return false
	}
	a.IsActive = false
	a.ReleasedAt = time.Now()
	return true
}

// ReleaseAllForClient releases every active allocation owned by clientID,
// returning the count released.
func (p *Pool) ReleaseAllForClient(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.allocations {
		if a.IsActive && a.ClientID == clientID {
			a.IsActive = false
			a.ReleasedAt = time.Now()
			n++
		}
	}
	return n
}

// GetActiveAllocations returns a snapshot of all currently active allocations.
func (p *Pool) GetActiveAllocations() []bench.PortAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bench.PortAllocation
	for _, a := range p.allocations {
		if a.IsActive {
			out = append(out, *a)
		}
	}
	return out
}

// IsAllocated reports whether port currently has an active allocation.
func (p *Pool) IsAllocated(port string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[port]
	return ok && a.IsActive
}

// GetAllocation returns the latest allocation record for port (active or
// historical), and whether one exists at all.
func (p *Pool) GetAllocation(port string) (bench.PortAllocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[port]
	if !ok {
		return bench.PortAllocation{}, false
	}
	return *a, true
}

// GetStatistics computes pool-wide statistics from current enumeration plus
// allocation bookkeeping.
func (p *Pool) GetStatistics() bench.PoolStatistics {
	ports, _ := p.enumerator.Enumerate()

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := bench.PoolStatistics{Total: len(ports)}
	clients := map[string]bool{}
	var totalDuration time.Duration
	var completed int
	for _, a := range p.allocations {
		if a.IsActive {
			stats.Allocated++
			clients[a.ClientID] = true
		} else if !a.ReleasedAt.IsZero() {
			totalDuration += a.ReleasedAt.Sub(a.AllocatedAt)
			completed++
		}
	}
	stats.Available = stats.Total - stats.Allocated
	stats.ActiveClients = len(clients)
	if completed > 0 {
		stats.AverageDuration = totalDuration / time.Duration(completed)
	}
	return stats
}

// Refresh re-enumerates the underlying ports and returns the count found.
// Allocations for ports that vanished are preserved (not evicted) until
// explicit release or shutdown, resolved in favor of audit visibility.
func (p *Pool) Refresh() (int, error) {
	ports, err := p.enumerator.Enumerate()
	if err != nil {
		return 0, err
	}
	return len(ports), nil
}

// Shutdown disposes the pool; subsequent Allocate calls return false and
// Release calls return false, without panicking.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
}
