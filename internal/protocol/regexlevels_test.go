// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package protocol

import (
	"testing"

	"github.com/fortitude-labs/benchsupervisor/internal/bench"
	"github.com/fortitude-labs/benchsupervisor/internal/config"
)

func levelCmd(t *testing.T) config.ProtocolCommand {
	t.Helper()
	cfg, err := config.Parse([]byte(`<bib id="x"><uut id="u"><port number="1">
		<start timeout_ms="1"><command>x</command><expected_response>x</expected_response></start>
		<test timeout_ms="1">
			<command>x</command>
			<expected_response regex="true">.*</expected_response>
			<validation_levels>
				<warn regex="true">^PASS$</warn>
				<fail regex="true">^FAIL$</fail>
				<critical regex="true">^CRITICAL$</critical>
			</validation_levels>
		</test>
		<stop timeout_ms="1"><command>x</command><expected_response>x</expected_response></stop>
	</port></uut></bib>`), "x")
	if err != nil {
		t.Fatal(err)
	}
	return cfg.UUTs[0].Ports[0].Test
}

func TestEvaluateCriticalTakesPriority(t *testing.T) {
	out := Evaluate(levelCmd(t), "CRITICAL\r\n")
	if out.Level != bench.LevelCritical {
		t.Fatalf("got %v", out.Level)
	}
}

func TestEvaluateNoMatchIsFail(t *testing.T) {
	cmd := levelCmd(t)
	// levelCmd's expected_response ".*" is loaded as a trailing Pass level
	// that matches any response; drop it so that no level matches.
	cmd.Levels = cmd.Levels[:len(cmd.Levels)-1]
	out := Evaluate(cmd, "garbage")
	if out.Level != bench.LevelFail || out.Reason != "no pattern matched" {
		t.Fatalf("got %+v", out)
	}
}

func TestEvaluatePriorityOrderIndependentOfMapOrder(t *testing.T) {
	cmd := levelCmd(t)
	// Response matches both Fail and would-be Warn patterns were they not
	// mutually exclusive; verify strict Critical>Fail>Warn>Pass ordering
	// holds across repeated evaluations (guards against map iteration bugs).
	for i := 0; i < 20; i++ {
		out := Evaluate(cmd, "FAIL\r\n")
		if out.Level != bench.LevelFail {
			t.Fatalf("iteration %d: got %v, want Fail", i, out.Level)
		}
	}
}

func TestEvaluateNamedCaptureGroups(t *testing.T) {
	cfg, err := config.Parse([]byte(`<bib id="x"><uut id="u"><port number="1">
		<start timeout_ms="1"><command>x</command><expected_response>x</expected_response></start>
		<test timeout_ms="1">
			<command>x</command>
			<expected_response regex="true">.*</expected_response>
			<validation_levels><warn regex="true">^PASS:(?P&lt;code&gt;\d+)$</warn></validation_levels>
		</test>
		<stop timeout_ms="1"><command>x</command><expected_response>x</expected_response></stop>
	</port></uut></bib>`), "x")
	if err != nil {
		t.Fatal(err)
	}
	out := Evaluate(cfg.UUTs[0].Ports[0].Test, "PASS:42")
	if out.Level != bench.LevelWarn || out.Groups["code"] != "42" {
		t.Fatalf("got %+v", out)
	}
}
