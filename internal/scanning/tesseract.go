package scanning

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract implements Engine with the local tesseract library
type Tesseract struct {
	language      string
	clientFactory func() *gosseract.Client
}

// NewTesseract creates a Tesseract engine; language defaults to "eng"
func NewTesseract(language string) *Tesseract {
	if language == "" {
		language = "eng"
	}
	return &Tesseract{language: language, clientFactory: gosseract.NewClient}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Extract recognises words with their boxes. The library call is not
// cancellable, so a context deadline only abandons the result.
func (t *Tesseract) Extract(ctx context.Context, png []byte, opts Options) (*TokenSet, error) {
	type result struct {
		ts  *TokenSet
		err error
	}
	done := make(chan result, 1)
	go func() {
		ts, err := t.extract(png, opts)
		done <- result{ts, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tesseract: %w", ctx.Err())
	case r := <-done:
		return r.ts, r.err
	}
}

func (t *Tesseract) extract(png []byte, opts Options) (*TokenSet, error) {
	c := t.clientFactory()
	defer c.Close()

	lang := opts.Language
	if lang == "" {
		lang = t.language
	}
	if err := c.SetLanguage(strings.Split(lang, "+")...); err != nil {
		return nil, fmt.Errorf("setting language: %w", err)
	}
	if opts.Whitelist != "" {
		if err := c.SetVariable("tessedit_char_whitelist", opts.Whitelist); err != nil {
			return nil, fmt.Errorf("setting whitelist: %w", err)
		}
	}
	if opts.PageSegMode > 0 {
		if err := c.SetVariable("tessedit_pageseg_mode", strconv.Itoa(opts.PageSegMode)); err != nil {
			return nil, fmt.Errorf("setting page segmentation mode: %w", err)
		}
	}
	if err := c.SetImageFromBytes(png); err != nil {
		return nil, fmt.Errorf("setting image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("reading word boxes: %w", err)
	}

	ts := &TokenSet{Engine: t.Name()}
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		ts.Tokens = append(ts.Tokens, Token{
			Text:       word,
			Box:        Box{X: b.Box.Min.X, Y: b.Box.Min.Y, W: b.Box.Dx(), H: b.Box.Dy()},
			Confidence: b.Confidence / 100.0,
		})
	}
	ts.Confidence = meanConfidence(ts.Tokens)
	ts.Text = joinLines(ts.Tokens)
	return ts, nil
}

// Close is a no-op; clients are created per call
func (t *Tesseract) Close() error {
	return nil
}
