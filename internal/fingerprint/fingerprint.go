// Package fingerprint computes perceptual and layout hashes for page images.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrEmptyImage is returned for zero-sized pages
var ErrEmptyImage = errors.New("empty image")

// Fingerprint identifies a rendered page
type Fingerprint struct {
	PHash  uint64 `json:"phash"`
	Header uint64 `json:"header"`
	Footer uint64 `json:"footer"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Compute fingerprints an image. A panic from a malformed image is reported
// as an error so callers can keep the page as unique.
func Compute(img image.Image) (fp Fingerprint, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fingerprinting page: %v", r)
		}
	}()

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Fingerprint{}, ErrEmptyImage
	}

	fp.PHash = PerceptualHash(img)
	fp.Header, fp.Footer = LayoutSignatures(img)
	fp.Width, fp.Height = b.Dx(), b.Dy()
	return fp, nil
}

// ComputeBytes decodes an encoded page image and fingerprints it
func ComputeBytes(data []byte) (Fingerprint, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("decoding page image: %w", err)
	}
	return Compute(img)
}

// ContentHash is the hex sha256 of the encoded page bytes
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
