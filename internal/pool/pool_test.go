// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pool

import (
	"sync"
	"testing"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/enum"
)

func threePortEnumerator() enum.Static {
	return enum.Static{Ports: []bench.PortInfo{{Name: "p1"}, {Name: "p2"}, {Name: "p3"}}}
}

func TestAllocateDistinctPortsAndSessions(t *testing.T) {
	p := New(threePortEnumerator())
	a1, ok1 := p.Allocate(nil, "client-a")
	a2, ok2 := p.Allocate(nil, "client-b")
	if !ok1 || !ok2 {
		t.Fatal("expected both allocations to succeed")
	}
	if a1.Port == a2.Port {
		t.Fatal("expected distinct ports")
	}
	if a1.SessionID == a2.SessionID {
		t.Fatal("expected distinct session ids")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(threePortEnumerator())
	for i := 0; i < 3; i++ {
		if _, ok := p.Allocate(nil, "c"); !ok {
			t.Fatalf("allocation %d should succeed", i)
		}
	}
	if _, ok := p.Allocate(nil, "c"); ok {
		t.Fatal("expected pool exhaustion to return false")
	}
}

func TestReleaseSessionMismatch(t *testing.T) {
	p := New(threePortEnumerator())
	a, _ := p.Allocate(nil, "c")
	if p.Release(a.Port, "wrong-session") {
		t.Fatal("expected session mismatch to fail")
	}
	if !p.IsAllocated(a.Port) {
		t.Fatal("allocation should still be active")
	}
}

func TestReleaseIdempotence(t *testing.T) {
	p := New(threePortEnumerator())
	a, _ := p.Allocate(nil, "c")
	if !p.Release(a.Port, a.SessionID) {
		t.Fatal("first release should succeed")
	}
	if p.Release(a.Port, a.SessionID) {
		t.Fatal("second release of an already-released allocation must return false")
	}
}

func TestReleaseAllForClient(t *testing.T) {
	p := New(threePortEnumerator())
	p.Allocate(nil, "c")
	p.Allocate(nil, "c")
	p.Allocate(nil, "other")
	if n := p.ReleaseAllForClient("c"); n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
	if len(p.GetActiveAllocations()) != 1 {
		t.Fatal("expected one allocation left active")
	}
}

func TestConcurrentAllocationStorm(t *testing.T) {
	p := New(threePortEnumerator())
	const workers = 8
	var wg sync.WaitGroup
	results := make([]bool, workers)
	ports := make([]string, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			a, ok := p.Allocate(nil, "c")
			results[i] = ok
			ports[i] = a.Port
		}(i)
	}
	wg.Wait()

	succeeded := 0
	seen := map[string]bool{}
	for i, ok := range results {
		if ok {
			succeeded++
			if seen[ports[i]] {
				t.Fatalf("duplicate port allocated: %s", ports[i])
			}
			seen[ports[i]] = true
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 successes, got %d", succeeded)
	}
	stats := p.GetStatistics()
	if stats.Allocated != 3 {
		t.Fatalf("stats.Allocated = %d, want 3", stats.Allocated)
	}
}

func TestShutdownYieldsFalseNotPanic(t *testing.T) {
	p := New(threePortEnumerator())
	a, _ := p.Allocate(nil, "c")
	p.Shutdown()
	if _, ok := p.Allocate(nil, "c"); ok {
		t.Fatal("expected Allocate to fail after shutdown")
	}
	if p.Release(a.Port, a.SessionID) {
		t.Fatal("expected Release to fail after shutdown")
	}
}
