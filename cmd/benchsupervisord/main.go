// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command benchsupervisord wires components A through N into a running bench
// supervisor: it enumerates ports, watches a directory of bib_*.xml files,
// and drives the start/test/stop workflow for every port a loaded
// configuration names. It is a thin binary over the internal library, in
// the same spirit as the teacher's cmd/d2xx (a small main that opens a
// driver and calls into it, with the real logic living in the package).
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
	"github.com/fortitude-labs/benchsupervisor/internal/devicegroup"
	"github.com/fortitude-labs/benchsupervisor/internal/enum"
	"github.com/fortitude-labs/benchsupervisor/internal/ftdi"
	"github.com/fortitude-labs/benchsupervisor/internal/gpio"
	"github.com/fortitude-labs/benchsupervisor/internal/pool"
	"github.com/fortitude-labs/benchsupervisor/internal/serial"
	"github.com/fortitude-labs/benchsupervisor/internal/sysinfo"
	"github.com/fortitude-labs/benchsupervisor/internal/validate"
	"github.com/fortitude-labs/benchsupervisor/internal/watcher"
	"github.com/fortitude-labs/benchsupervisor/internal/workflow"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "benchsupervisord: %s.\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	watchDir := flag.String("config-dir", ".", "directory to watch for bib_*.xml configuration files")
	debounceMs := flag.Int("debounce-ms", 500, "settle delay applied to a burst of file events before loading")
	autoExecute := flag.Bool("auto-execute", true, "run the start/test/stop workflow for every port a loaded bib names")
	initialScan := flag.Bool("initial-scan", true, "treat files already present in config-dir at startup as newly added")
	strict := flag.Bool("strict", true, "refuse configuration overrides of a critical-level stop (see design note on Critical-stop)")
	status := flag.Bool("status", false, "print current pool and device status, then exit")
	verbose := flag.Bool("v", false, "log verbosely")
	flag.Parse()

	logFlags := log.LstdFlags
	if *verbose {
		logFlags |= log.Lshortfile
	}
	logger := log.New(os.Stderr, "benchsupervisord: ", logFlags)

	rt := bench.NewRuntime()
	enumerator := enum.Default()

	if *status {
		return printStatus(enumerator)
	}

	ftdiReader := ftdi.NewReader(ftdi.NoHardwareOpener)
	cache := sysinfo.New(sysinfo.ReaderFunc(func(port string) (bench.SystemInfo, error) {
		return readSystemInfo(enumerator, ftdiReader, port)
	}), sysinfo.DefaultTTL)
	cache.StartSweeper(time.Minute)
	defer cache.Stop()
	rt.Cache = cache

	p := pool.New(enumerator)
	defer p.Shutdown()
	rt.Pool = p

	reservations := pool.NewReservations(p)
	reservations.StartSweeper(time.Minute)
	defer reservations.Stop()
	rt.Reservations = reservations

	validatorCfg := validate.StrictConfig()
	orchestrator := workflow.New(reservations, serial.DefaultOpener, *strict)
	rt.Orchestrator = orchestrator

	gpioSet := newGpioSet()

	opts := watcher.Options{
		WatchDirectory:          *watchDir,
		DebounceDelayMs:         *debounceMs,
		AutoExecuteOnDiscovery:  *autoExecute,
		PerformInitialDiscovery: *initialScan,
	}
	trigger := func(bib *config.BibConfiguration, uut config.UUTConfig, port config.PortConfig) {
		gp := gpioSet.ensure(bib)
		clientID := "watcher:" + bib.ID + "/" + uut.ID
		ctx, cancel := context.WithTimeout(context.Background(), phaseBudget(port))
		defer cancel()
		res := orchestrator.Run(ctx, bib.ID, uut.ID, port, gp, clientID, &validatorCfg)
		logger.Printf("workflow %s/%s port=%d aggregate=%s stopReason=%q duration=%s",
			bib.ID, uut.ID, port.Number, res.Aggregate, res.StopReason, res.Duration)
	}
	w, err := watcher.New(opts, config.Load, trigger)
	if err != nil {
		return err
	}
	rt.Watcher = w

	go gpioSet.watchRemovals(w.Events(), logger)

	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down, uptime %s", time.Since(rt.StartedAt))
	gpioSet.stopAll()
	return nil
}

// phaseBudget bounds how long one workflow run is allowed to take, generous
// enough to cover every phase's timeout plus its retries.
func phaseBudget(port config.PortConfig) time.Duration {
	var total time.Duration
	for _, cmd := range []config.ProtocolCommand{port.Start, port.Test, port.Stop} {
		total += time.Duration(cmd.TimeoutMs) * time.Duration(cmd.RetryCount+1) * time.Millisecond
	}
	total += 5 * time.Second
	return total
}

// readSystemInfo joins a fresh enumeration with an EEPROM read, the backing
// Reader for the System-Info Cache (component C).
func readSystemInfo(enumerator enum.Enumerator, r *ftdi.Reader, port string) (bench.SystemInfo, error) {
	ports, err := enumerator.Enumerate()
	if err != nil {
		return bench.SystemInfo{}, err
	}
	for _, p := range ports {
		if p.Name != port {
			continue
		}
		if p.IsFTDI && p.Identity != nil {
			_ = r.ReadEEPROM(p.Name, p.Identity)
		}
		return bench.SystemInfo{
			Port:        p.Name,
			Identity:    p.Identity,
			IsDataValid: p.Identity != nil && p.Identity.Eeprom.Valid,
			ReadAt:      time.Now(),
		}, nil
	}
	return bench.SystemInfo{}, bench.NewError(bench.KindHardwareUnavailable, "port %q not present in current enumeration", port)
}

// gpioSet owns one gpio.Interface per BIB id, created from the BIB's
// bit_bang_protocol block as it is loaded or changed by the watcher and
// stopped when the BIB is removed. There is no hardware bit-bang bus wired
// into this binary (see DESIGN.md); noopBus lets the rest of the pipeline
// exercise the same gpio.Select/Provider code path a real deployment would,
// with every read returning zero bits.
type gpioSet struct {
	mu        sync.Mutex
	providers map[string]gpio.Interface // bib id -> provider
	loaded    map[string]*config.BibConfiguration // bib id -> the config last provisioned from
	pathToID  map[string]string                   // bib.SourceMD -> bib id, for Removed events
}

func newGpioSet() *gpioSet {
	return &gpioSet{
		providers: map[string]gpio.Interface{},
		loaded:    map[string]*config.BibConfiguration{},
		pathToID:  map[string]string{},
	}
}

// ensure provisions the GPIO provider for bib.ID the first time it is seen
// and reprovisions it whenever the trigger fan-out hands it a new
// *BibConfiguration (a reload produced by the watcher), but is a no-op for
// the remaining ports of a BIB already provisioned from this same load,
// since Trigger is called once per (uut, port) pair sharing one pointer.
func (s *gpioSet) ensure(bib *config.BibConfiguration) gpio.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[bib.ID] == bib {
		return s.providers[bib.ID]
	}
	if old, ok := s.providers[bib.ID]; ok {
		old.Stop()
	}
	gp := gpio.Select(noopBus{}, bib.BitBang)
	gp.StartPolling()
	s.providers[bib.ID] = gp
	s.loaded[bib.ID] = bib
	s.pathToID[bib.SourceMD] = bib.ID
	return gp
}

// watchRemovals stops and evicts the GPIO provider for a BIB when its
// source file is deleted; in-flight workflow runs already hold their own
// reservation and session and are unaffected (see watcher.handleRemoved).
func (s *gpioSet) watchRemovals(events <-chan watcher.Event, logger *log.Logger) {
	for ev := range events {
		if ev.Kind != watcher.EventRemoved {
			continue
		}
		s.mu.Lock()
		id, ok := s.pathToID[ev.Path]
		if ok {
			delete(s.pathToID, ev.Path)
			delete(s.loaded, id)
			if gp, ok := s.providers[id]; ok {
				gp.Stop()
				delete(s.providers, id)
			}
		}
		s.mu.Unlock()
		if ok {
			logger.Printf("gpio provider stopped for removed bib %s", id)
		}
	}
}

func (s *gpioSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, gp := range s.providers {
		gp.Stop()
		delete(s.providers, id)
	}
}

// noopBus is the Bus gpioSet drives when no vendor bit-bang backend is
// linked in: every read returns zero bits, every write is discarded. See
// DESIGN.md for why a real D2XX-backed Bus isn't wired by default.
type noopBus struct{}

func (noopBus) ReadBits() (uint8, error)                { return 0, nil }
func (noopBus) WriteBit(bit int, level gpio.Level) error { return nil }

// printStatus implements --status: a one-shot colorized dump of currently
// discovered ports and their device groupings, the teacher's cmd/d2xx
// "print what was found and exit" shape extended to color-code validation
// level the way devices/screen colors pixels.
func printStatus(enumerator enum.Enumerator) error {
	ports, err := enumerator.Enumerate()
	if err != nil {
		return err
	}
	cfg := validate.StrictConfig()
	for i := range ports {
		if ports[i].Identity != nil {
			outcome := validate.Validate(ports[i], cfg)
			ports[i].Validation = &outcome
		}
	}
	groups := devicegroup.Analyze(ports, cfg)
	sort.Slice(groups, func(i, j int) bool { return groups[i].DeviceID < groups[j].DeviceID })

	w := colorable.NewColorableStdout()
	useColor := isatty.IsTerminal(os.Stdout.Fd())
	for _, g := range groups {
		level := bench.LevelFail
		if g.IsClientValid {
			level = bench.LevelPass
		}
		label := fmt.Sprintf("%s  multiPort=%v  ports=%v", g.DeviceID, g.IsMultiPort, g.Ports)
		if useColor {
			fmt.Fprintf(w, "%s %s\n", ansi256.Default.Block(levelColor(level)), label)
		} else {
			fmt.Fprintf(w, "[%s] %s\n", level, label)
		}
	}
	return nil
}

func levelColor(l bench.Level) color.NRGBA {
	switch l {
	case bench.LevelPass:
		return color.NRGBA{G: 200, A: 255}
	case bench.LevelWarn:
		return color.NRGBA{R: 200, G: 200, A: 255}
	case bench.LevelFail:
		return color.NRGBA{R: 200, A: 255}
	case bench.LevelCritical:
		return color.NRGBA{R: 255, B: 80, A: 255}
	default:
		return color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	}
}
