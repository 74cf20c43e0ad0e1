package bridge

import (
	"fmt"
	"os"
	"path/filepath"
)

// CacheDirName is the fixed subdirectory name under the OS temp path.
const CacheDirName = "python_matrix_reloaded_cache"

// DefaultCacheDir returns <tmp>/python_matrix_reloaded_cache.
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), CacheDirName)
}

// CachePurger implements the --purge CLI path (component H): a standalone
// scan-and-delete of the cache directory, run before any ImageCache exists,
// so it cannot race a live Resolve.
type CachePurger struct {
	dir string
}

// NewCachePurger targets dir, normally DefaultCacheDir().
func NewCachePurger(dir string) *CachePurger {
	return &CachePurger{dir: dir}
}

// Scan lists the cache directory's current entries without modifying
// anything, for diagnostic logging before a destructive purge.
func (p *CachePurger) Scan() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache directory: %w", err)
	}
	return entries, nil
}

// Purge recursively deletes the cache directory. A missing directory is
// not an error.
func (p *CachePurger) Purge() error {
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("purge cache directory %s: %w", p.dir, err)
	}
	return nil
}
