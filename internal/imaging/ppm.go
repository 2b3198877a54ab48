package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
)

// maxPixels bounds the decoded image size. A screen dump is at most a few
// megapixels; anything past this is a corrupt header, not a display.
const maxPixels = 1 << 26

// decodePPM decodes a binary (P6) PPM image, the raw format QEMU's
// screendump command writes. The header is whitespace-delimited and may
// contain '#' comments. Only 8-bit samples are supported.
func decodePPM(r *bufio.Reader) (image.Image, error) {
	magic, err := readToken(r)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != "P6" {
		return nil, fmt.Errorf("unsupported magic %q, want P6", magic)
	}

	width, err := readUint(r)
	if err != nil {
		return nil, fmt.Errorf("read width: %w", err)
	}
	height, err := readUint(r)
	if err != nil {
		return nil, fmt.Errorf("read height: %w", err)
	}
	maxval, err := readUint(r)
	if err != nil {
		return nil, fmt.Errorf("read maxval: %w", err)
	}

	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if width > maxPixels/height {
		return nil, fmt.Errorf("dimensions %dx%d exceed %d pixels", width, height, maxPixels)
	}
	if maxval == 0 || maxval > 255 {
		return nil, fmt.Errorf("unsupported maxval %d", maxval)
	}

	// The header ends with exactly one whitespace byte, already consumed
	// by readUint. Raw RGB triplets follow.
	raw := make([]byte, width*height*3)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read %dx%d pixel data: %w", width, height, err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := (y*width + x) * 3
			img.SetNRGBA(x, y, color.NRGBA{
				R: raw[off],
				G: raw[off+1],
				B: raw[off+2],
				A: 255,
			})
		}
	}

	return img, nil
}

// readToken returns the next whitespace-delimited header token, skipping
// '#' comments which run to end of line.
func readToken(r *bufio.Reader) (string, error) {
	var token []byte
	inComment := false

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(token) > 0 {
				return string(token), nil
			}
			return "", err
		}

		switch {
		case inComment:
			if b == '\n' {
				inComment = false
			}
		case b == '#':
			inComment = true
		case b == ' ' || b == '\t' || b == '\r' || b == '\n':
			if len(token) > 0 {
				return string(token), nil
			}
		default:
			token = append(token, b)
		}
	}
}

func readUint(r *bufio.Reader) (int, error) {
	token, err := readToken(r)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range token {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid number %q", token)
		}
		n = n*10 + int(c-'0')
		if n > 1<<24 {
			return 0, fmt.Errorf("value %q out of range", token)
		}
	}
	return n, nil
}
