package fingerprint

import (
	"fmt"
	"hash/fnv"
	"image"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
)

const (
	layoutWidth = 512
	bandRatio   = 0.12
	gridX       = 32
	gridY       = 16
	inkLevel    = 128
)

// Block is a text block found by ink projection, in layout pixels
type Block struct {
	X0, Y0, X1, Y1 int
}

// LayoutSignatures returns simhashes of the header and footer text-block
// geometry. Pages are normalised to a fixed width first so signatures do not
// depend on scan resolution.
func LayoutSignatures(img image.Image) (header, footer uint64) {
	norm := imaging.Grayscale(imaging.Resize(img, layoutWidth, 0, imaging.Box))
	h := norm.Bounds().Dy()
	band := int(float64(h) * bandRatio)
	if band < 1 {
		band = 1
	}

	headerBlocks := textBlocks(norm, 0, band)
	footerBlocks := textBlocks(norm, h-band, h)
	return blockSimhash(headerBlocks, 0, band), blockSimhash(footerBlocks, h-band, band)
}

func dark(img *image.NRGBA, x, y int) bool {
	return img.Pix[y*img.Stride+x*4] < inkLevel
}

// textBlocks finds lines by row projection, then splits each line into
// blocks by column projection.
func textBlocks(img *image.NRGBA, y0, y1 int) []Block {
	w := img.Bounds().Dx()
	minRowInk := w / 100
	if minRowInk < 1 {
		minRowInk = 1
	}
	maxGap := w / 50

	var blocks []Block
	lineStart := -1
	for y := y0; y <= y1; y++ {
		ink := 0
		if y < y1 {
			for x := 0; x < w; x++ {
				if dark(img, x, y) {
					ink++
				}
			}
		}
		switch {
		case ink >= minRowInk && lineStart < 0:
			lineStart = y
		case ink < minRowInk && lineStart >= 0:
			blocks = append(blocks, splitLine(img, lineStart, y, maxGap)...)
			lineStart = -1
		}
	}
	return blocks
}

func splitLine(img *image.NRGBA, y0, y1, maxGap int) []Block {
	w := img.Bounds().Dx()
	var blocks []Block
	start, last := -1, -1
	for x := 0; x < w; x++ {
		ink := false
		for y := y0; y < y1; y++ {
			if dark(img, x, y) {
				ink = true
				break
			}
		}
		if !ink {
			continue
		}
		if start >= 0 && x-last > maxGap {
			blocks = append(blocks, Block{X0: start, Y0: y0, X1: last + 1, Y1: y1})
			start = -1
		}
		if start < 0 {
			start = x
		}
		last = x
	}
	if start >= 0 {
		blocks = append(blocks, Block{X0: start, Y0: y0, X1: last + 1, Y1: y1})
	}
	return blocks
}

// blockSimhash quantises block boxes onto a coarse grid and folds them into
// a 64-bit simhash, weighting wider blocks more.
func blockSimhash(blocks []Block, bandTop, bandHeight int) uint64 {
	features := make(map[string]int, len(blocks))
	for _, b := range blocks {
		qx0 := b.X0 * gridX / layoutWidth
		qx1 := b.X1 * gridX / layoutWidth
		qy0 := (b.Y0 - bandTop) * gridY / bandHeight
		qy1 := (b.Y1 - bandTop) * gridY / bandHeight
		weight := qx1 - qx0
		if weight < 1 {
			weight = 1
		}
		features[fmt.Sprintf("%d:%d:%d:%d", qx0, qx1, qy0, qy1)] += weight
	}
	return simhash(features)
}

func simhash(features map[string]int) uint64 {
	if len(features) == 0 {
		return 0
	}
	var votes [64]int
	for f, weight := range features {
		h := fnv.New64a()
		h.Write([]byte(f))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				votes[i] += weight
			} else {
				votes[i] -= weight
			}
		}
	}
	var out uint64
	for i, v := range votes {
		if v > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// TextSimhash hashes 4-character shingles of normalised text
func TextSimhash(text string) uint64 {
	norm := normalizeText(text)
	runes := []rune(norm)
	features := make(map[string]int)
	if len(runes) < 4 {
		if len(runes) > 0 {
			features[norm] = 1
		}
		return simhash(features)
	}
	for i := 0; i+4 <= len(runes); i++ {
		features[string(runes[i:i+4])]++
	}
	return simhash(features)
}

func normalizeText(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// HeaderText returns the first tenth of the non-empty lines, at least one
func HeaderText(text string) string {
	lines := nonEmptyLines(text)
	n := len(lines) / 10
	if n < 1 {
		n = 1
	}
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[:n], "\n")
}

// FooterText returns the last tenth of the non-empty lines, at least one
func FooterText(text string) string {
	lines := nonEmptyLines(text)
	n := len(lines) / 10
	if n < 1 {
		n = 1
	}
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimSpace(l))
		}
	}
	return out
}
