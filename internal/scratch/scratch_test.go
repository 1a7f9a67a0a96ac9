package scratch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReleaseRemovesEverything(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, "req")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	p1, n, err := d.WriteFrom("human.jpg", strings.NewReader("abc"))
	if err != nil || n != 3 {
		t.Fatalf("WriteFrom = %d, %v", n, err)
	}
	p2 := d.Path("mask.png")
	if err := os.WriteFile(p2, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	outside := filepath.Join(root, "adopted.png")
	if err := os.WriteFile(outside, []byte("y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.Adopt(outside)
	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}

	if err := os.Remove(p2); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := d.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	for _, p := range []string{p1, p2, outside, d.Root()} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still exists", p)
		}
	}
	if err := d.Release(); err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
}

func TestPathIsUniqueAndInsideRoot(t *testing.T) {
	d, err := New(t.TempDir(), "req")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer d.Release()

	a := d.Path("../../etc/passwd")
	b := d.Path("../../etc/passwd")
	if a == b {
		t.Fatalf("paths should be unique")
	}
	if filepath.Dir(a) != d.Root() {
		t.Fatalf("path %s escapes %s", a, d.Root())
	}
}
