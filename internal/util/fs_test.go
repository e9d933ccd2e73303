package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeName(t *testing.T) {
	if got := SafeName("10.1000/abc:1"); got != "10.1000_abc_1" {
		t.Fatalf("unexpected safe name %q", got)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "summary.json")
	if err := WriteJSONAtomic(path, map[string]int{"succeeded": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected content")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
