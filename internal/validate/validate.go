// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package validate implements the per-port eligibility scoring of
// component D. It is a pure function of (PortInfo, Config): no state, no
// I/O, mirroring the teacher's preference for small stateless helpers
// (e.g. ftdi.DevType.String()) over stateful objects where variance is
// absent.
package validate

import (
	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

// Config is the validator's eligibility policy.
type Config struct {
	RequireFTDI           bool
	RequireChipFamilyIn   map[bench.ChipFamily]bool
	MinScore              int
	Strict                bool
}

// StrictConfig is the typical "strict mode" policy: FTDI, FT4232H only.
func StrictConfig() Config {
	return Config{
		RequireFTDI:         true,
		RequireChipFamilyIn: map[bench.ChipFamily]bool{bench.FamilyFT4232H: true},
		MinScore:            80,
		Strict:              true,
	}
}

// Criteria names, kept stable since tests key off them.
const (
	CriterionNotFTDI        = "not_ftdi"
	CriterionFamilyNotAllowed = "family_not_allowed"
	CriterionEepromInvalid  = "eeprom_invalid"
	CriterionScoreTooLow    = "score_too_low"
)

// Validate scores a port against cfg and returns a ValidationOutcome.
//
// Scoring starts at 0: +40 if FTDI, +40 if chip family is in the allow-list
// (or, when no allow-list is configured, +40 for any FTDI port), +20 if
// EEPROM is valid. Pass requires
// score >= MinScore and no mandatory criterion failed.
func Validate(p bench.PortInfo, cfg Config) bench.ValidationOutcome {
	score := 0
	var failed []string

	isFTDI := p.IsFTDI && p.Identity != nil
	if isFTDI {
		score += 40
	} else if cfg.RequireFTDI {
		failed = append(failed, CriterionNotFTDI)
	}

	familyOK := true
	if len(cfg.RequireChipFamilyIn) > 0 {
		familyOK = isFTDI && cfg.RequireChipFamilyIn[p.Identity.Family]
		if familyOK {
			score += 40
		} else {
			failed = append(failed, CriterionFamilyNotAllowed)
		}
	} else if isFTDI {
		score += 40
	}

	eepromOK := isFTDI && p.Identity.Eeprom.Valid
	if eepromOK {
		score += 20
	} else if cfg.Strict {
		failed = append(failed, CriterionEepromInvalid)
	}

	if score >= cfg.MinScore && len(failed) == 0 {
		return bench.ValidationOutcome{Level: bench.LevelPass, Score: 100, Reason: "eligible"}
	}
	if score < cfg.MinScore {
		failed = append(failed, CriterionScoreTooLow)
	}
	reason := "ineligible"
	if len(failed) > 0 {
		reason = failed[0]
	}
	return bench.ValidationOutcome{
		Level:          bench.LevelFail,
		Score:          score,
		Reason:         reason,
		FailedCriteria: failed,
	}
}
