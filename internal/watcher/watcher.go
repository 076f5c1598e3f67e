// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package watcher is the configuration hot-add watcher (component N): it
// watches a directory for bib_*.xml files, debounces raw filesystem events
// per path, classifies them Added/Changed/Removed, reloads via
// internal/config, and optionally triggers workflows for every (UUT, port)
// of a newly (re)loaded BIB.
//
// The event-loop model is a single owning goroutine per watcher: fsnotify
// events and fired debounce timers are both received by its one select
// loop, so dispatch is always serial, the same shape as the DeviceWatcher/
// monitorDirectory pair the fsnotify wiring is grounded on (a per-path
// debounce timer feeding one classified event into a single processing
// loop).
package watcher

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

// pattern every watched configuration file must match.
const pattern = "bib_*.xml"

// EventKind classifies a debounced, settled filesystem change.
type EventKind string

const (
	EventAdded   EventKind = "Added"
	EventChanged EventKind = "Changed"
	EventRemoved EventKind = "Removed"
)

// Event is published on Watcher.Events() after debouncing settles.
type Event struct {
	Kind EventKind
	Path string
}

// Loader loads and validates one bib_*.xml file (normally config.Load).
type Loader func(path string) (*config.BibConfiguration, error)

// Trigger is invoked once per (UUT, port) of a freshly loaded BIB when
// AutoExecuteOnDiscovery is set. Callers typically close over a
// workflow.Orchestrator and spawn the run in its own goroutine.
type Trigger func(bib *config.BibConfiguration, uut config.UUTConfig, port config.PortConfig)

// Options are the environment/startup variables of §6.
type Options struct {
	WatchDirectory          string
	DebounceDelayMs         int
	AutoExecuteOnDiscovery  bool
	PerformInitialDiscovery bool
}

// Watcher is the Config Hot-Add Watcher.
type Watcher struct {
	opts    Options
	load    Loader
	trigger Trigger
	logger  *log.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	configs map[string]*config.BibConfiguration
	timers  map[string]*time.Timer

	fired  chan string
	events chan Event

	stop chan struct{}
	done chan struct{}
}

// New builds a Watcher. trigger may be nil if AutoExecuteOnDiscovery is
// never set.
func New(opts Options, load Loader, trigger Trigger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, bench.Wrap(bench.KindHardwareUnavailable, err, opts.WatchDirectory)
	}
	return &Watcher{
		opts:    opts,
		load:    load,
		trigger: trigger,
		logger:  log.New(os.Stderr, "watcher: ", log.LstdFlags),
		fsw:     fsw,
		configs: map[string]*config.BibConfiguration{},
		timers:  map[string]*time.Timer{},
		fired:   make(chan string),
		events:  make(chan Event, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the channel of settled, classified events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start adds the watch directory, begins the owning goroutine, and — if
// PerformInitialDiscovery is set — emits synthetic Added events for every
// existing matching file.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.opts.WatchDirectory); err != nil {
		return bench.Wrap(bench.KindConfigNotFound, err, w.opts.WatchDirectory)
	}
	go w.run()
	if w.opts.PerformInitialDiscovery {
		go w.initialScan()
	}
	return nil
}

// Stop terminates the owning goroutine and releases the fsnotify watch.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
}

// Get returns the currently loaded configuration for path, if any.
func (w *Watcher) Get(path string) (*config.BibConfiguration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.configs[path]
	return c, ok
}

func (w *Watcher) initialScan() {
	matches, err := filepath.Glob(filepath.Join(w.opts.WatchDirectory, pattern))
	if err != nil {
		w.logger.Printf("initial scan: %v", err)
		return
	}
	for _, path := range matches {
		select {
		case w.fired <- path:
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if matchesPattern(ev.Name) {
				w.scheduleDebounce(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("fsnotify error: %v", err)
		case path := <-w.fired:
			w.processDebounced(path)
		}
	}
}

// scheduleDebounce (re)arms a per-path timer. N raw events for the same
// path within the debounce window collapse onto the single timer that
// eventually fires, so a file touched N times in the window produces
// exactly one reload.
func (w *Watcher) scheduleDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	delay := time.Duration(w.opts.DebounceDelayMs) * time.Millisecond
	w.timers[path] = time.AfterFunc(delay, func() {
		select {
		case w.fired <- path:
		case <-w.stop:
		}
	})
}

// processDebounced settles one path: it inspects disk state at fire time
// (not the raw op that triggered the timer), so a file removed then
// re-added within the debounce window is read at its latest contents and
// reported as a single Changed/Added event, never a spurious Removed.
func (w *Watcher) processDebounced(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		w.handleRemoved(path)
		return
	}

	bib, err := w.load(path)
	if err != nil {
		w.logger.Printf("load %s: %v", path, err)
		return
	}

	w.mu.Lock()
	_, existed := w.configs[path]
	w.configs[path] = bib
	w.mu.Unlock()

	kind := EventAdded
	if existed {
		kind = EventChanged
	}
	w.publish(Event{Kind: kind, Path: path})

	if w.opts.AutoExecuteOnDiscovery && w.trigger != nil {
		for _, uut := range bib.UUTs {
			for _, port := range uut.Ports {
				w.trigger(bib, uut, port)
			}
		}
	}
}

// handleRemoved evicts path's configuration. In-flight runs already hold
// their own reservation and session and are unaffected: eviction only
// prevents future triggers for this BIB, it never cancels a run underway.
func (w *Watcher) handleRemoved(path string) {
	w.mu.Lock()
	_, existed := w.configs[path]
	delete(w.configs, path)
	w.mu.Unlock()
	if !existed {
		return
	}
	w.publish(Event{Kind: EventRemoved, Path: path})
}

func (w *Watcher) publish(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Printf("event channel full, dropping %s %s", ev.Kind, ev.Path)
	}
}

func matchesPattern(path string) bool {
	ok, _ := filepath.Match(pattern, filepath.Base(path))
	return ok
}
