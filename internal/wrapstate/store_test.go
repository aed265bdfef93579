package wrapstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteIsAtomicAndOmitsInternal(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "v2v-import-20260101T000000-1.state")
	store := New(stateFile)

	store.Mutate(func(s *Snapshot) {
		s.Disks = append(s.Disks, Disk{Path: "/p1", Progress: 10})
		s.Internal.DiskIDs["/p1"] = "11111111-1111-1111-1111-111111111111"
		s.Internal.V2VLog = "/tmp/v2v.log"
	})

	if err := store.Write(); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(stateFile) {
			t.Fatalf("unexpected leftover file in state dir: %s", e.Name())
		}
	}

	raw, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if _, ok := decoded["internal"]; ok {
		t.Fatalf("internal must never be persisted, got: %v", decoded["internal"])
	}
	disks, ok := decoded["disks"].([]interface{})
	if !ok || len(disks) != 1 {
		t.Fatalf("expected one disk in persisted state, got: %v", decoded["disks"])
	}
}

func TestWriteMultipleTimesReplacesFile(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	store := New(stateFile)

	for i := 0; i < 3; i++ {
		store.Mutate(func(s *Snapshot) {
			s.ReturnCode = i
		})
		if err := store.Write(); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file after repeated writes, got %d", len(entries))
	}

	snap := store.Snapshot()
	if snap.ReturnCode != 2 {
		t.Fatalf("expected ReturnCode 2, got %d", snap.ReturnCode)
	}
}
