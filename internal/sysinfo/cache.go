// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysinfo is the TTL cache of per-port enrichment (component C).
//
// It is a concurrent map with per-key locking for read-miss coalescing, per
// concurrent Get calls for the same port
// share one underlying read rather than issuing N redundant EEPROM reads.
package sysinfo

import (
	"sync"
	"time"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

// DefaultTTL is the cache entry lifetime used when not overridden.
const DefaultTTL = 5 * time.Minute

// negativeTTL is used for failed reads so a flaky device doesn't get stuck
// poisoned for a full TTL window.
const negativeTTL = 15 * time.Second

// Reader performs the underlying (possibly slow) read for a cache miss.
// Implementations wrap internal/ftdi.Reader plus whatever OS info is at
// hand for the port.
type Reader interface {
	Read(port string) (bench.SystemInfo, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(port string) (bench.SystemInfo, error)

func (f ReaderFunc) Read(port string) (bench.SystemInfo, error) { return f(port) }

type entry struct {
	info      bench.SystemInfo
	expiresAt time.Time
}

// call represents an in-flight read that other Get callers coalesce onto.
type call struct {
	done chan struct{}
	info bench.SystemInfo
	err  error
}

// Cache is the System-Info Cache. The zero value is not usable; use New.
type Cache struct {
	ttl    time.Duration
	reader Reader

	mu      sync.Mutex
	entries map[string]entry
	calls   map[string]*call

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds a Cache with the given TTL (DefaultTTL if ttl <= 0) backed by
// reader for cache misses.
func New(reader Reader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:       ttl,
		reader:    reader,
		entries:   map[string]entry{},
		calls:     map[string]*call{},
		stopSweep: make(chan struct{}),
	}
}

// Get returns the cached SystemInfo for port, refreshing it via the
// underlying Reader on a miss or when forceRefresh is true. Concurrent Get
// calls for the same port coalesce onto a single Reader.Read.
func (c *Cache) Get(port string, forceRefresh bool) (bench.SystemInfo, error) {
	c.mu.Lock()
	if !forceRefresh {
		if e, ok := c.entries[port]; ok && time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.info, nil
		}
	}
	if in, ok := c.calls[port]; ok {
		c.mu.Unlock()
		<-in.done
		return in.info, in.err
	}
	cl := &call{done: make(chan struct{})}
	c.calls[port] = cl
	c.mu.Unlock()

	info, err := c.reader.Read(port)
	cl.info, cl.err = info, err

	c.mu.Lock()
	delete(c.calls, port)
	ttl := c.ttl
	if err != nil {
		ttl = negativeTTL
		info.IsDataValid = false
		info.Port = port
		info.ReadAt = time.Now()
	}
	c.entries[port] = entry{info: info, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	close(cl.done)
	return info, err
}

// Invalidate drops the cached entry for port, if any.
func (c *Cache) Invalidate(port string) {
	c.mu.Lock()
	delete(c.entries, port)
	c.mu.Unlock()
}

// StartSweeper runs a background goroutine that removes expired entries at
// the given cadence, stopping when Stop is called. It owns a single task,
// one goroutine per subsystem rather than a shared timer pool.
func (c *Cache) StartSweeper(cadence time.Duration) {
	go func() {
		t := time.NewTicker(cadence)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.sweep()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Stop terminates the sweeper goroutine, if running. Safe to call once.
func (c *Cache) Stop() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}
