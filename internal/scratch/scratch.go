// Package scratch tracks the temporary files created while serving one
// request so they can be removed together on every exit path.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Dir owns every file registered with it until Release is called.
type Dir struct {
	root  string
	mu    sync.Mutex
	paths []string
	done  bool
}

// New creates a request-private directory under root.
func New(root, prefix string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: ensure root: %w", err)
	}
	dir, err := os.MkdirTemp(root, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("scratch: create dir: %w", err)
	}
	return &Dir{root: dir}, nil
}

// Root returns the private directory path.
func (d *Dir) Root() string { return d.root }

// Path reserves a unique file path ending in name and registers it.
func (d *Dir) Path(name string) string {
	p := filepath.Join(d.root, uuid.NewString()[:8]+"-"+filepath.Base(name))
	d.Adopt(p)
	return p
}

// Adopt registers an externally created path for release.
func (d *Dir) Adopt(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
}

// WriteFrom streams r into a new registered file.
func (d *Dir) WriteFrom(name string, r io.Reader) (string, int64, error) {
	p := d.Path(name)
	f, err := os.Create(p)
	if err != nil {
		return "", 0, fmt.Errorf("scratch: create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, fmt.Errorf("scratch: write %s: %w", name, err)
	}
	return p, n, nil
}

// Len reports how many paths are registered.
func (d *Dir) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths)
}

// Release removes every registered file and the directory itself. Files
// already moved or deleted by their consumer are skipped. Safe to call more
// than once.
func (d *Dir) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}
	d.done = true

	var errs []error
	for _, p := range d.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	d.paths = nil
	if err := os.RemoveAll(d.root); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
