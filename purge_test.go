package bridge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCachePurgerScanMissingDirIsNotError(t *testing.T) {
	p := NewCachePurger(filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := p.Scan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
}

func TestCachePurgerScanListsFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	p := NewCachePurger(dir)
	entries, err := p.Scan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.png" {
		t.Errorf("entries = %v", entries)
	}
}

func TestCachePurgerPurgeRemovesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("seed dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	p := NewCachePurger(dir)
	if err := p.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, stat err = %v", err)
	}
}

func TestCachePurgerPurgeMissingDirIsNotError(t *testing.T) {
	p := NewCachePurger(filepath.Join(t.TempDir(), "never-existed"))
	if err := p.Purge(); err != nil {
		t.Errorf("unexpected error purging a missing directory: %v", err)
	}
}

func TestDefaultCacheDirUsesFixedName(t *testing.T) {
	got := DefaultCacheDir()
	if filepath.Base(got) != "python_matrix_reloaded_cache" {
		t.Errorf("DefaultCacheDir() = %q, want basename %q", got, "python_matrix_reloaded_cache")
	}
}
