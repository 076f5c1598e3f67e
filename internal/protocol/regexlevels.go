// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package protocol evaluates a phase response against its configured
// validation levels in strict priority order (component J).
package protocol

import (
	"strings"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

// priorityOrder is fixed: Critical, then Fail, then Warn, then
// Pass. Evaluate walks this slice, so evaluation order never depends on map
// iteration order or on the order of config.ProtocolCommand.Levels.
var priorityOrder = []bench.Level{bench.LevelCritical, bench.LevelFail, bench.LevelWarn, bench.LevelPass}

// scoreFor returns the score associated with a level, matching the
// monotonicity invariant (Pass=100, Warn>=70, Fail>=0, Critical=0).
func scoreFor(level bench.Level) int {
	switch level {
	case bench.LevelPass:
		return 100
	case bench.LevelWarn:
		return 70
	case bench.LevelCritical:
		return 0
	default:
		return 0
	}
}

// Evaluate matches response against cmd's validation levels in priority
// order and returns the first match. If no level matches, the outcome is
// Fail with reason "no pattern matched".
func Evaluate(cmd config.ProtocolCommand, response string) bench.ValidationOutcome {
	byLevel := map[bench.Level]config.ValidationLevelConfig{}
	for _, lvl := range cmd.Levels {
		byLevel[lvl.Level] = lvl
	}

	for _, level := range priorityOrder {
		lvl, ok := byLevel[level]
		if !ok {
			continue
		}
		matched, groups := match(lvl, response)
		if !matched {
			continue
		}
		return bench.ValidationOutcome{
			Level:          level,
			Score:          scoreFor(level),
			Reason:         "matched " + level.String() + " pattern",
			MatchedPattern: lvl.Literal,
			Groups:         groups,
		}
	}
	return bench.ValidationOutcome{
		Level:  bench.LevelFail,
		Score:  scoreFor(bench.LevelFail),
		Reason: "no pattern matched",
	}
}

func match(lvl config.ValidationLevelConfig, response string) (bool, map[string]string) {
	if !lvl.IsRegex {
		return strings.TrimRight(response, "\r\n") == strings.TrimRight(lvl.Literal, "\r\n"), nil
	}
	if lvl.Pattern == nil {
		return false, nil
	}
	m := lvl.Pattern.FindStringSubmatch(strings.TrimRight(response, "\r\n"))
	if m == nil {
		return false, nil
	}
	groups := map[string]string{}
	for i, name := range lvl.Pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		groups[name] = m[i]
	}
	return true, groups
}
