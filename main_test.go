package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeedDBPath(t *testing.T) {
	dir := t.TempDir()
	got, err := seedDBPath(dir)
	if err != nil {
		t.Fatalf("no config: %v", err)
	}
	if want := filepath.Join(dir, "data", "telehealth.db"); got != want {
		t.Errorf("default path = %q, want %q", got, want)
	}

	cfg := `{"storage":{"db_path":"clinic.db"}}`
	if err := os.WriteFile(filepath.Join(dir, cfgName), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := seedDBPath(dir); err != nil || got != filepath.Join(dir, "clinic.db") {
		t.Errorf("configured path = %q, %v", got, err)
	}

	if err := os.WriteFile(filepath.Join(dir, cfgName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := seedDBPath(dir); err == nil {
		t.Error("malformed config fell back to the default path")
	}
}
