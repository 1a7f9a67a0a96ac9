package tryon

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"golang.org/x/sync/errgroup"

	"inkup/internal/comfy"
	"inkup/internal/domain"
)

var baseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// Uploader stages one file in the worker's input area.
type Uploader interface {
	UploadImage(ctx context.Context, name, subfolder string, data io.Reader) (comfy.UploadedImage, error)
}

// Stager copies normalized inputs to the worker under deterministic names.
type Stager struct {
	uploader  Uploader
	subfolder string
}

func NewStager(u Uploader, subfolder string) *Stager {
	return &Stager{uploader: u, subfolder: subfolder}
}

// StagedName is the remote file name of role for baseName.
func StagedName(baseName string, role domain.ImageRole) string {
	return baseName + "_" + string(role) + ".png"
}

// Stage uploads localPath and returns the path a graph uses to load it.
func (s *Stager) Stage(ctx context.Context, baseName string, role domain.ImageRole, localPath string) (string, error) {
	if !baseNamePattern.MatchString(baseName) {
		return "", &domain.UploadError{Label: role, Err: fmt.Errorf("invalid base name %q", baseName)}
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", &domain.UploadError{Label: role, Err: err}
	}
	defer f.Close()

	up, err := s.uploader.UploadImage(ctx, StagedName(baseName, role), s.subfolder, f)
	if err != nil {
		return "", &domain.UploadError{Label: role, Err: err}
	}
	return up.Path(), nil
}

// StageAll uploads every file concurrently. All uploads must succeed; the
// first failure is returned and cancels the rest.
func (s *Stager) StageAll(ctx context.Context, baseName string, files map[domain.ImageRole]string) (map[domain.ImageRole]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	staged := make(map[domain.ImageRole]string, len(files))
	for role, path := range files {
		g.Go(func() error {
			remote, err := s.Stage(gctx, baseName, role, path)
			if err != nil {
				return err
			}
			mu.Lock()
			staged[role] = remote
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}
