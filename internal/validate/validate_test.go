// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package validate

import (
	"testing"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
)

func ft4232hPort() bench.PortInfo {
	return bench.PortInfo{
		IsFTDI: true,
		Identity: &bench.FtdiIdentity{
			Family: bench.FamilyFT4232H,
			Eeprom: bench.EepromBlob{Valid: true, Fields: map[string]string{}},
		},
	}
}

func TestValidatePassesStrictFT4232H(t *testing.T) {
	out := Validate(ft4232hPort(), StrictConfig())
	if out.Level != bench.LevelPass {
		t.Fatalf("got %v, failed=%v", out.Level, out.FailedCriteria)
	}
	if len(out.FailedCriteria) != 0 {
		t.Fatalf("pass must have no failed criteria, got %v", out.FailedCriteria)
	}
}

func TestValidateFailsNonFTDI(t *testing.T) {
	out := Validate(bench.PortInfo{}, StrictConfig())
	if out.Level != bench.LevelFail {
		t.Fatalf("expected Fail, got %v", out.Level)
	}
	found := false
	for _, c := range out.FailedCriteria {
		if c == CriterionNotFTDI {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among %v", CriterionNotFTDI, out.FailedCriteria)
	}
}

func TestValidateFailsWrongFamily(t *testing.T) {
	p := ft4232hPort()
	p.Identity.Family = bench.FamilyFT232R
	out := Validate(p, StrictConfig())
	if out.Level != bench.LevelFail {
		t.Fatalf("expected Fail, got %v", out.Level)
	}
}

func TestValidateEepromInvalidCountsInStrict(t *testing.T) {
	p := ft4232hPort()
	p.Identity.Eeprom.Valid = false
	out := Validate(p, StrictConfig())
	if out.Level != bench.LevelFail {
		t.Fatalf("expected Fail, got %v score=%d", out.Level, out.Score)
	}
}

func TestValidateNonStrictIgnoresEeprom(t *testing.T) {
	p := ft4232hPort()
	p.Identity.Eeprom.Valid = false
	cfg := StrictConfig()
	cfg.Strict = false
	cfg.MinScore = 80
	out := Validate(p, cfg)
	if out.Level != bench.LevelPass {
		t.Fatalf("expected Pass (score=80 without eeprom requirement), got %v score=%d", out.Level, out.Score)
	}
}
