package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	if err := Create(path, nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty pidfile")
	}
}

func TestCreateInvokesOnExistingWithOldPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	os.WriteFile(path, []byte("4242"), 0o644)

	var seen int
	if err := Create(path, func(pid int) { seen = pid }); err != nil {
		t.Fatal(err)
	}
	if seen != 4242 {
		t.Fatalf("expected onExisting called with 4242, got %d", seen)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	if err := Remove(path); err != nil {
		t.Fatal(err)
	}
}

func TestNoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.pid")
	if err := Create(path, nil); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "worker.pid" {
			t.Fatalf("unexpected leftover file: %s", e.Name())
		}
	}
}
