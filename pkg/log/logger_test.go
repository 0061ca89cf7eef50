// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// capture points the shared sink at a buffer for the duration of a
// test and restores stderr output afterwards.
func capture(t *testing.T, l *Logger) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	std.mu.Lock()
	prevW := std.w
	prevFmt := std.format
	prevColor := std.color
	std.mu.Unlock()
	l.SetWriter(&buf)
	l.SetColor(false)
	t.Cleanup(func() {
		std.mu.Lock()
		std.w = prevW
		std.format = prevFmt
		std.color = prevColor
		std.mu.Unlock()
	})
	return &buf
}

func TestComponentLoggersShareHandle(t *testing.T) {
	a := GetLogger("mmu.motion")
	b := GetLogger("mmu.motion")
	if a != b {
		t.Error("GetLogger returned distinct handles for one component")
	}
}

func TestPackageLevelFiltersAllComponents(t *testing.T) {
	l := GetLogger("mmu.test.filter")
	buf := capture(t, l)

	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(INFO)
	l.Debug("move trace suppressed")
	l.Info("swap complete")
	out := buf.String()
	if strings.Contains(out, "move trace suppressed") {
		t.Error("DEBUG message leaked at INFO level")
	}
	if !strings.Contains(out, "swap complete") {
		t.Errorf("INFO message missing, got: %q", out)
	}

	buf.Reset()
	SetLevel(DEBUG)
	l.Debug("move trace visible")
	if !strings.Contains(buf.String(), "move trace visible") {
		t.Error("DEBUG message missing after SetLevel(DEBUG)")
	}
}

func TestPerLoggerOverrideWins(t *testing.T) {
	l := GetLogger("mmu.test.override")
	buf := capture(t, l)

	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })
	t.Cleanup(l.InheritLevel)

	SetLevel(ERROR)
	l.SetLevel(DEBUG)
	l.Debug("traced despite quiet default")
	if !strings.Contains(buf.String(), "traced despite quiet default") {
		t.Error("per-logger DEBUG override did not apply")
	}

	buf.Reset()
	l.InheritLevel()
	l.Warn("back to shared threshold")
	if buf.Len() != 0 {
		t.Errorf("WARN leaked after InheritLevel at ERROR: %q", buf.String())
	}
}

func TestTextFormat(t *testing.T) {
	l := GetLogger("mmu.test.text")
	buf := capture(t, l)

	l.Info("gate %d selected", 2)
	out := buf.String()
	if !strings.Contains(out, "[INFO ]") {
		t.Errorf("level tag missing: %q", out)
	}
	if !strings.Contains(out, "mmu.test.text: gate 2 selected") {
		t.Errorf("component or message missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	l := GetLogger("mmu.test.json")
	buf := capture(t, l)
	l.SetFormat(FormatJSON)

	l.Warn("slip %.1f%%", 12.5)

	var entry struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Msg       string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "WARN" || entry.Component != "mmu.test.json" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Msg != "slip 12.5%" {
		t.Errorf("msg = %q", entry.Msg)
	}
}

func TestWithFields(t *testing.T) {
	l := GetLogger("mmu.test.fields").WithFields(Fields{"gate": 1, "dir": "load"})
	buf := capture(t, l)

	l.Info("stage done")
	out := buf.String()
	if !strings.Contains(out, "dir=load") || !strings.Contains(out, "gate=1") {
		t.Errorf("fields missing from text output: %q", out)
	}

	buf.Reset()
	l.SetFormat(FormatJSON)
	l.Info("stage done")
	var entry struct {
		Fields map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Fields["dir"] != "load" {
		t.Errorf("fields = %v", entry.Fields)
	}
}

func TestStepperTracesAtDebug(t *testing.T) {
	l := GetLogger("mmu.test.stepper")
	buf := capture(t, l)

	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(INFO)
	l.Stepper("move dist=600.0 motor=gear")
	if buf.Len() != 0 {
		t.Errorf("move trace emitted above DEBUG: %q", buf.String())
	}

	SetLevel(DEBUG)
	l.Stepper("move dist=600.0 motor=gear")
	if !strings.Contains(buf.String(), "move dist=600.0 motor=gear") {
		t.Error("move trace missing at DEBUG")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"bogus", INFO},
		{"", INFO},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
