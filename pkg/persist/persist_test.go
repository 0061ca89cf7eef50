package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveBatchedAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	// Batched write must not touch disk
	if err := s.Save("mmu_gate_selected", 2, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("batched save should not create the file")
	}
	if !s.Dirty() {
		t.Error("store should be dirty after batched save")
	}

	// Immediate write flushes everything pending
	if err := s.Save("mmu_filament_pos", 10, true); err != nil {
		t.Fatal(err)
	}
	if s.Dirty() {
		t.Error("store should be clean after flush")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "[mmu_vars]") {
		t.Errorf("missing section header in %q", content)
	}
	if !strings.Contains(content, "mmu_gate_selected: 2") {
		t.Errorf("batched value missing from flush: %q", content)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("mmu_calib_bowden_length", 600.5, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("mmu_gate_status", "1, 0, 2, 1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.GetFloat("mmu_calib_bowden_length", -1); got != 600.5 {
		t.Errorf("GetFloat = %f, want 600.5", got)
	}
	list := reopened.GetIntList("mmu_gate_status", nil)
	want := []int{1, 0, 2, 1}
	if len(list) != len(want) {
		t.Fatalf("GetIntList = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("GetIntList[%d] = %d, want %d", i, list[i], want[i])
		}
	}
}

func TestFallbacks(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "mmu_vars.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetFloat("missing", -1); got != -1 {
		t.Errorf("GetFloat fallback = %f, want -1", got)
	}
	if got := s.GetInt("missing", 7); got != 7 {
		t.Errorf("GetInt fallback = %d, want 7", got)
	}
}

func TestDelete(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "mmu_vars.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("key", "value", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	s.Delete("key")
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("key"); ok {
		t.Error("deleted key should be gone")
	}
}

func TestFlushIdempotentWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("flushing a clean empty store should not create a file")
	}
}
