// Package normalize turns arbitrary uploads into the PNG inputs the
// generation workflow expects.
package normalize

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"inkup/internal/domain"
)

const (
	DefaultMaxDimension  = 1024
	DefaultMaskThreshold = 128
)

// Result describes a normalized image written to disk.
type Result struct {
	Path   string
	Width  int
	Height int
}

// Image decodes srcPath, applies EXIF orientation, shrinks it to fit within
// maxDim x maxDim without upscaling and writes a PNG to dstPath.
func Image(srcPath, dstPath string, maxDim int) (Result, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	src, err := decode(srcPath)
	if err != nil {
		return Result{}, err
	}

	out := imaging.Fit(src, maxDim, maxDim, imaging.Lanczos)
	if err := writePNG(out, dstPath); err != nil {
		return Result{}, err
	}
	b := out.Bounds()
	return Result{Path: dstPath, Width: b.Dx(), Height: b.Dy()}, nil
}

// Mask binarizes srcPath at threshold and resizes it to exactly width x
// height. Nearest-neighbour sampling keeps every output pixel at 0 or 255.
func Mask(srcPath, dstPath string, width, height int, threshold uint8) (Result, error) {
	if width <= 0 || height <= 0 {
		return Result{}, fmt.Errorf("%w: invalid mask target %dx%d", domain.ErrProcessing, width, height)
	}
	if threshold == 0 {
		threshold = DefaultMaskThreshold
	}
	src, err := decode(srcPath)
	if err != nil {
		return Result{}, err
	}

	bin := Binarize(src, threshold)
	out := imaging.Resize(bin, width, height, imaging.NearestNeighbor)
	if err := writePNG(out, dstPath); err != nil {
		return Result{}, err
	}
	return Result{Path: dstPath, Width: width, Height: height}, nil
}

// Binarize maps every pixel to opaque black or white by luminance.
// Transparent pixels count as black.
func Binarize(src image.Image, threshold uint8) *image.NRGBA {
	gray := imaging.Grayscale(src)
	pix := gray.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		lum := uint16(pix[i]) * uint16(pix[i+3]) / 255
		v := uint8(0)
		if lum >= uint16(threshold) {
			v = 255
		}
		pix[i], pix[i+1], pix[i+2], pix[i+3] = v, v, v, 255
	}
	return gray
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrProcessing, filepath.Base(path), err)
	}
	defer f.Close()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrImageDecode, filepath.Base(path), err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: %s: empty image", domain.ErrImageDecode, filepath.Base(path))
	}
	return img, nil
}

func writePNG(img image.Image, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", domain.ErrProcessing, err)
	}
	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("%w: create: %v", domain.ErrProcessing, err)
	}
	if err := imaging.Encode(f, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
		f.Close()
		return fmt.Errorf("%w: encode: %v", domain.ErrProcessing, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", domain.ErrProcessing, err)
	}
	return nil
}
