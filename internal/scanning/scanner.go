package scanning

import (
	"context"
	"strings"
)

// Box is a token bounding box in pixels
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// CenterX returns the horizontal centre of the box
func (b Box) CenterX() float64 { return float64(b.X) + float64(b.W)/2 }

// CenterY returns the vertical centre of the box
func (b Box) CenterY() float64 { return float64(b.Y) + float64(b.H)/2 }

// Token is one recognised word
type Token struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

// TokenSet is the result of one OCR attempt on a page
type TokenSet struct {
	Tokens     []Token `json:"tokens"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
	Engine     string  `json:"engine"`
	Attempt    string  `json:"attempt"`
	Penalty    float64 `json:"penalty"`
	Reason     string  `json:"reason,omitempty"`
}

// Options tune a single engine call
type Options struct {
	Language  string
	Whitelist string
	// PageSegMode is the tesseract page segmentation mode, zero for the default
	PageSegMode int
}

// Engine recognises words on a PNG page image
type Engine interface {
	Name() string
	Extract(ctx context.Context, png []byte, opts Options) (*TokenSet, error)
	// Close releases resources held by the engine
	Close() error
}

// meanConfidence averages the token confidences
func meanConfidence(tokens []Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += t.Confidence
	}
	return sum / float64(len(tokens))
}

// joinLines rebuilds reading-order text from tokens, breaking lines where the
// vertical centre jumps by more than half a token height.
func joinLines(tokens []Token) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			prev := tokens[i-1]
			gap := t.Box.CenterY() - prev.Box.CenterY()
			if gap < 0 {
				gap = -gap
			}
			limit := float64(max(prev.Box.H, t.Box.H)) / 2
			if limit < 1 {
				limit = 1
			}
			if gap > limit {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
