// Package imaging converts raw screen dumps into portable PNG images with
// guaranteed cleanup of the raw file.
package imaging

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

var (
	// ErrEmptyOutput is returned when the raw file is missing or zero bytes
	ErrEmptyOutput = errors.New("capture produced no output")
	// ErrDecode is returned when the raw file is not a decodable image
	ErrDecode = errors.New("decode raw image")
)

// Image is a converted screenshot: lossless PNG bytes plus the exact pixel
// dimensions of the source dump.
type Image struct {
	PNG    []byte
	Width  int
	Height int
}

// TempArtifact is a scoped handle to a raw image file on disk.
type TempArtifact struct {
	Path string
}

// NewTempArtifact creates an empty temporary file for a capture method to
// write into. The caller owns removal; Remove is idempotent.
func NewTempArtifact(pattern string) (*TempArtifact, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file %s: %w", f.Name(), err)
	}
	return &TempArtifact{Path: f.Name()}, nil
}

// Remove deletes the artifact. Safe to call more than once.
func (a *TempArtifact) Remove() {
	if a == nil || a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove temp artifact", "path", a.Path, "error", err)
	}
}

// Convert reads the raw PPM screen dump at rawPath and re-encodes it as
// PNG, preserving pixel dimensions. The raw file is removed before Convert
// returns, on every path: success, validation failure or decode failure.
func Convert(rawPath string) (*Image, error) {
	defer func() {
		if err := os.Remove(rawPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove raw image", "path", rawPath, "error", err)
		}
	}()

	info, err := os.Stat(rawPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, rawPath)
		}
		return nil, fmt.Errorf("stat %s: %w", rawPath, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, rawPath)
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rawPath, err)
	}
	defer f.Close()

	img, err := decodePPM(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, rawPath, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	bounds := img.Bounds()
	return &Image{
		PNG:    buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}
