package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeParamsFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mmu.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParamsDefaults(t *testing.T) {
	path := writeParamsFile(t, "[mmu]\nnum_gates: 4\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	p, err := LoadParams(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if p.NumGates != 4 {
		t.Errorf("NumGates = %d, want 4", p.NumGates)
	}
	if p.GateLoadRetries != 2 {
		t.Errorf("GateLoadRetries default = %d, want 2", p.GateLoadRetries)
	}
	if p.SyncFeedbackInterval != 0.25 {
		t.Errorf("SyncFeedbackInterval default = %f, want 0.25", p.SyncFeedbackInterval)
	}
	if p.EndGuardBand != 0.80 {
		t.Errorf("EndGuardBand default = %f, want 0.80", p.EndGuardBand)
	}
	if len(p.GateSpeedOverride) != 4 {
		t.Fatalf("GateSpeedOverride length = %d, want 4", len(p.GateSpeedOverride))
	}
	for i, v := range p.GateSpeedOverride {
		if v != 100 {
			t.Errorf("GateSpeedOverride[%d] = %d, want 100", i, v)
		}
	}
}

func TestLoadParamsOverrides(t *testing.T) {
	path := writeParamsFile(t, `[mmu]
num_gates: 2
gate_load_retries: 5
gate_homing_endstop: mmu_gate
extruder_homing_endstop: mmu_entry
sync_feedback_enabled: 1
gate_speed_override: 90, 110
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	p, err := LoadParams(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if p.GateLoadRetries != 5 {
		t.Errorf("GateLoadRetries = %d, want 5", p.GateLoadRetries)
	}
	if p.GateHomingEndstop != "mmu_gate" {
		t.Errorf("GateHomingEndstop = %q, want mmu_gate", p.GateHomingEndstop)
	}
	if !p.SyncFeedbackEnabled {
		t.Error("SyncFeedbackEnabled should be true")
	}
	if p.GateSpeedOverride[1] != 110 {
		t.Errorf("GateSpeedOverride[1] = %d, want 110", p.GateSpeedOverride[1])
	}
}

func TestLoadParamsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"retries too high", "[mmu]\nnum_gates: 2\ngate_load_retries: 6\n"},
		{"bad endstop choice", "[mmu]\nnum_gates: 2\ngate_homing_endstop: magic\n"},
		{"override length mismatch", "[mmu]\nnum_gates: 2\ngate_speed_override: 100\n"},
		{"override out of range", "[mmu]\nnum_gates: 2\ngate_speed_override: 100, 500\n"},
		{"endguard band above 1", "[mmu]\nnum_gates: 2\nendguard_band: 1.5\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeParamsFile(t, tc.content))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := LoadParams(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
