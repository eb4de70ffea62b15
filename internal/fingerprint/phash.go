package fingerprint

import (
	"image"
	"math"
	"math/bits"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	dctSize  = 32
	hashSize = 8
)

// PerceptualHash computes a 64-bit DCT hash. Each bit says whether a low
// frequency coefficient is above the median of the 8x8 block.
func PerceptualHash(img image.Image) uint64 {
	small := imaging.Resize(imaging.Grayscale(img), dctSize, dctSize, imaging.Lanczos)

	pixels := make([][]float64, dctSize)
	for y := 0; y < dctSize; y++ {
		pixels[y] = make([]float64, dctSize)
		for x := 0; x < dctSize; x++ {
			// grayscale: r == g == b
			pixels[y][x] = float64(small.Pix[y*small.Stride+x*4])
		}
	}

	coeffs := dct2(pixels)

	block := make([]float64, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			block = append(block, coeffs[y][x])
		}
	}

	// median excludes the DC term, which only tracks overall brightness
	sorted := append([]float64(nil), block[1:]...)
	sort.Float64s(sorted)
	median := (sorted[len(sorted)/2] + sorted[(len(sorted)-1)/2]) / 2

	var hash uint64
	for i, v := range block {
		if v > median {
			hash |= 1 << uint(63-i)
		}
	}
	return hash
}

// Hamming returns the number of differing bits
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similarity maps a hamming distance onto [0,1]
func Similarity(a, b uint64) float64 {
	return 1 - float64(Hamming(a, b))/64
}

var cosTable = func() [dctSize][dctSize]float64 {
	var t [dctSize][dctSize]float64
	for u := 0; u < dctSize; u++ {
		for x := 0; x < dctSize; x++ {
			t[u][x] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / (2 * dctSize))
		}
	}
	return t
}()

// dct2 is a separable type-II DCT over a square block
func dct2(in [][]float64) [][]float64 {
	n := len(in)
	rows := make([][]float64, n)
	for y := 0; y < n; y++ {
		rows[y] = dct1(in[y])
	}
	out := make([][]float64, n)
	for y := range out {
		out[y] = make([]float64, n)
	}
	col := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rows[y][x]
		}
		res := dct1(col)
		for y := 0; y < n; y++ {
			out[y][x] = res[y]
		}
	}
	return out
}

func dct1(in []float64) []float64 {
	n := len(in)
	out := make([]float64, n)
	for u := 0; u < n; u++ {
		var sum float64
		for x := 0; x < n; x++ {
			sum += in[x] * cosTable[u][x]
		}
		scale := math.Sqrt(2 / float64(n))
		if u == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		out[u] = sum * scale
	}
	return out
}
