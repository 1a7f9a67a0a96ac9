package storage

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"inkup/internal/domain"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "tryon/abc/output.png", want: "tryon/abc/output.png"},
		{in: "/tryon//abc/./output.png", want: "tryon/abc/output.png"},
		{in: `tryon\abc\item.png`, want: "tryon/abc/item.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "tryon/../../x", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range tests {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestFileStoreUploadCompressesAndRemovesLocal(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(filepath.Join(root, "static"), "http://localhost:8080/static/", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	local := filepath.Join(root, "output.png")
	writeImage(t, local, 32, 16)

	url, err := store.Upload(context.Background(), local, "tryon/job-1/output.png")
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if url != "http://localhost:8080/static/tryon/job-1/output.png" {
		t.Fatalf("url = %q", url)
	}
	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("local file should be removed")
	}
	f, err := os.Open(filepath.Join(store.BasePath(), "tryon", "job-1", "output.png"))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("stored file is not a PNG: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Fatalf("stored size %dx%d, want 32x16", cfg.Width, cfg.Height)
	}
}

func TestFileStoreUploadRejectsNonImage(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root, "http://x", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	local := filepath.Join(root, "junk.png")
	if err := os.WriteFile(local, []byte("junk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Upload(context.Background(), local, "k.png"); !errors.Is(err, domain.ErrProcessing) {
		t.Fatalf("err = %v, want ErrProcessing", err)
	}
}

func TestFileStoreWriteHonorsContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://x", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Write(ctx, "a.png", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMinioStoreURL(t *testing.T) {
	store, err := NewMinioStore(MinioOptions{
		Endpoint:  "minio:9000",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "tryon",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMinioStore returned error: %v", err)
	}
	if got := store.URL("tryon/abc 1/output.png"); got != "http://minio:9000/tryon/tryon/abc%201/output.png" {
		t.Fatalf("URL = %q", got)
	}

	public, err := NewMinioStore(MinioOptions{
		Endpoint:  "minio:9000",
		Bucket:    "assets",
		UseSSL:    true,
		PublicURL: "https://cdn.example.com/",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMinioStore returned error: %v", err)
	}
	if got := public.URL("k.png"); got != "https://cdn.example.com/assets/k.png" {
		t.Fatalf("URL = %q", got)
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(MinioOptions{Endpoint: "minio:9000"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 16), B: 90, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}
