package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/disintegration/imaging"

	"inkup/internal/domain"
)

// Store moves a local file into permanent storage and returns its public
// URL. The local file is deleted once the object is stored.
type Store interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// compressPNG re-encodes the image at localPath as a maximally compressed PNG.
func compressPNG(localPath string) ([]byte, error) {
	img, err := imaging.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("storage: %w: %v", domain.ErrProcessing, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, fmt.Errorf("storage: %w: encode: %v", domain.ErrProcessing, err)
	}
	return buf.Bytes(), nil
}

func removeLocal(localPath string) error {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove local file: %w", err)
	}
	return nil
}
