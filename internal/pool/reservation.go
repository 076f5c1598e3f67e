// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
)

// DefaultReservationTTL is the default reservation lifetime.
const DefaultReservationTTL = 30 * time.Minute

// Reservations wraps a Pool with time-bounded client reservations, without
// modifying Pool itself (it wraps the pool without mutating it).
type Reservations struct {
	pool *Pool

	mu   sync.Mutex
	byID map[string]*bench.PortReservation

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReservations builds a reservation layer over pool.
func NewReservations(pool *Pool) *Reservations {
	return &Reservations{pool: pool, byID: map[string]*bench.PortReservation{}}
}

// Reserve allocates a port (via Pool.AllocateWithConfig) and records an
// expiry ttl from now (DefaultReservationTTL if ttl <= 0).
func (r *Reservations) Reserve(cfg *validate.Config, clientID string, ttl time.Duration) (bench.PortReservation, bool) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	alloc, ok := r.pool.AllocateWithConfig(cfg, clientID)
	if !ok {
		return bench.PortReservation{}, false
	}
	res := bench.PortReservation{
		ReservationID: uuid.NewString(),
		Allocation:    alloc,
		ClientID:      clientID,
		ExpiresAt:     time.Now().Add(ttl),
	}
	r.mu.Lock()
	r.byID[res.ReservationID] = &res
	r.mu.Unlock()
	return res, true
}

// ReleaseReservation releases reservationID if owned by clientID, freeing
// the underlying pool allocation.
func (r *Reservations) ReleaseReservation(reservationID, clientID string) bool {
	r.mu.Lock()
	res, ok := r.byID[reservationID]
	if !ok || res.ClientID != clientID {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, reservationID)
	r.mu.Unlock()
	return r.pool.Release(res.Allocation.Port, res.Allocation.SessionID)
}

// Get returns the reservation for reservationID, if it still exists.
func (r *Reservations) Get(reservationID string) (bench.PortReservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byID[reservationID]
	if !ok {
		return bench.PortReservation{}, false
	}
	return *res, true
}

// StartSweeper starts a background goroutine that releases expired
// reservations at the given cadence, one owning goroutine.
func (r *Reservations) StartSweeper(cadence time.Duration) {
	r.stop = make(chan struct{})
	go func() {
		t := time.NewTicker(cadence)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Reservations) sweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []*bench.PortReservation
	for id, res := range r.byID {
		if now.After(res.ExpiresAt) {
			expired = append(expired, res)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()
	for _, res := range expired {
		r.pool.Release(res.Allocation.Port, res.Allocation.SessionID)
	}
}

// Stop terminates the sweeper goroutine, if running.
func (r *Reservations) Stop() {
	r.stopOnce.Do(func() {
		if r.stop != nil {
			close(r.stop)
		}
	})
}
