// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pool

import (
	"testing"
	"time"
)

func TestReserveThenReleaseLeavesStatisticsUnchanged(t *testing.T) {
	p := New(threePortEnumerator())
	r := NewReservations(p)

	before := p.GetStatistics()
	res, ok := r.Reserve(nil, "client-a", time.Minute)
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if !r.ReleaseReservation(res.ReservationID, "client-a") {
		t.Fatal("expected release to succeed")
	}
	after := p.GetStatistics()
	if before.Allocated != after.Allocated {
		t.Fatalf("stats changed: before=%+v after=%+v", before, after)
	}
}

func TestReleaseReservationWrongClientFails(t *testing.T) {
	p := New(threePortEnumerator())
	r := NewReservations(p)
	res, _ := r.Reserve(nil, "client-a", time.Minute)
	if r.ReleaseReservation(res.ReservationID, "client-b") {
		t.Fatal("expected wrong-client release to fail")
	}
}

func TestSweeperReleasesExpiredReservations(t *testing.T) {
	p := New(threePortEnumerator())
	r := NewReservations(p)
	res, ok := r.Reserve(nil, "client-a", time.Millisecond)
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	r.StartSweeper(time.Millisecond)
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	if p.IsAllocated(res.Allocation.Port) {
		t.Fatal("expected expired reservation's allocation to be released")
	}
}

func TestOneReservationPerActiveAllocation(t *testing.T) {
	p := New(threePortEnumerator())
	r := NewReservations(p)
	res1, _ := r.Reserve(nil, "client-a", time.Minute)
	count := 0
	for range r.byID {
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 reservation, got %d", count)
	}
	_ = res1
}
