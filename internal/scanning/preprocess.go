package scanning

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Mode selects how hard a page image is cleaned up before a rerun
type Mode int

const (
	// ModeEnhanced deskews, thresholds and lightly denoises
	ModeEnhanced Mode = iota + 1
	// ModeAggressive upscales, boosts contrast, sharpens and thresholds
	ModeAggressive
)

const (
	deskewMaxAngle = 5.0
	deskewStep     = 0.5
	deskewWidth    = 600
	thresholdK     = 0.15
)

// Preprocess decodes a PNG page, cleans it up for the given mode and
// re-encodes it as PNG.
func Preprocess(pngData []byte, mode Mode) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}

	var out image.Image
	switch mode {
	case ModeAggressive:
		out = aggressive(img)
	default:
		out = enhance(img)
	}
	return EncodePNG(out)
}

func enhance(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	gray = deskew(gray)
	gray = imaging.Blur(gray, 0.6)
	return adaptiveThreshold(gray)
}

func aggressive(img image.Image) image.Image {
	b := img.Bounds()
	up := imaging.Resize(img, b.Dx()*2, 0, imaging.Lanczos)
	up = imaging.Grayscale(up)
	up = imaging.AdjustContrast(up, 40)
	up = imaging.Sharpen(up, 1.5)
	return adaptiveThreshold(up)
}

// deskew finds the small rotation that makes text rows sharpest in the
// horizontal projection profile and applies it.
func deskew(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return img
	}
	small := img
	if b.Dx() > deskewWidth {
		small = imaging.Resize(img, deskewWidth, 0, imaging.Box)
	}

	bestAngle, bestScore := 0.0, profileVariance(small)
	for a := -deskewMaxAngle; a <= deskewMaxAngle; a += deskewStep {
		if a == 0 {
			continue
		}
		rotated := imaging.Rotate(small, a, color.White)
		if s := profileVariance(rotated); s > bestScore {
			bestAngle, bestScore = a, s
		}
	}
	if bestAngle == 0 {
		return img
	}
	// rotation grows the canvas; token boxes must stay in page coordinates
	return imaging.CropCenter(imaging.Rotate(img, bestAngle, color.White), b.Dx(), b.Dy())
}

// profileVariance is the variance of dark pixel counts per row
func profileVariance(img *image.NRGBA) float64 {
	b := img.Bounds()
	rows := make([]float64, b.Dy())
	for y := 0; y < b.Dy(); y++ {
		off := y * img.Stride
		for x := 0; x < b.Dx(); x++ {
			if img.Pix[off+x*4] < 128 {
				rows[y]++
			}
		}
	}
	var mean float64
	for _, r := range rows {
		mean += r
	}
	mean /= float64(len(rows))
	var v float64
	for _, r := range rows {
		v += (r - mean) * (r - mean)
	}
	return v / float64(len(rows))
}

// adaptiveThreshold binarizes against the local mean over a square window,
// computed with an integral image.
func adaptiveThreshold(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}

	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		off := y * img.Stride
		for x := 0; x < w; x++ {
			row += int64(img.Pix[off+x*4])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}

	half := max(7, w/80)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			area := int64((x1 - x0) * (y1 - y0))
			v := int64(img.Pix[y*img.Stride+x*4])
			if float64(v*area) < float64(sum)*(1-thresholdK) {
				out.Pix[y*out.Stride+x] = 0
			} else {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}
