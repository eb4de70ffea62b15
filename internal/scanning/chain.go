// Package scanning runs OCR engines over page images and turns uploads into
// page PNGs.
package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/invoice-ingest/internal/document"
)

// Attempt labels, in the order the chain tries them
const (
	AttemptPrimary   = "primary"
	AttemptEnhanced  = "enhanced"
	AttemptSecondary = "secondary"
	AttemptEmergency = "emergency"
	AttemptNone      = "none"
)

// ErrTransient marks engine failures worth retrying
var ErrTransient = errors.New("transient engine failure")

var transientWords = []string{"timeout", "connection", "temporary", "retry", "rate limit"}

// IsTransient reports whether an engine error is likely to clear on retry
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, w := range transientWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// Config tunes the fallback chain
type Config struct {
	RerunThreshold     float64       `yaml:"rerun_threshold" validate:"gte=0,lte=1"`
	AcceptThreshold    float64       `yaml:"accept_threshold" validate:"gte=0,lte=1"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BackoffBase        time.Duration `yaml:"backoff_base" validate:"gte=0"`
	EnhancedPenalty    float64       `yaml:"enhanced_penalty" validate:"gte=0,lte=1"`
	SecondaryPenalty   float64       `yaml:"secondary_penalty" validate:"gte=0,lte=1"`
	EmergencyPenalty   float64       `yaml:"emergency_penalty" validate:"gte=0,lte=1"`
	Language           string        `yaml:"language"`
	EmergencyWhitelist string        `yaml:"emergency_whitelist"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		RerunThreshold:     0.65,
		AcceptThreshold:    0.50,
		AttemptTimeout:     30 * time.Second,
		MaxRetries:         2,
		BackoffBase:        500 * time.Millisecond,
		EnhancedPenalty:    0.05,
		SecondaryPenalty:   0.10,
		EmergencyPenalty:   0.20,
		Language:           "eng",
		EmergencyWhitelist: "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.,:/£$€%-#&() ",
	}
}

// Chain tries engines and preprocessing steps until a page reads well
type Chain struct {
	cfg       Config
	engines   []Engine
	artifacts document.Storage
}

// NewChain creates a Chain. The first engine is primary, the second (if any)
// is the secondary fallback. artifacts may be nil.
func NewChain(cfg Config, artifacts document.Storage, engines ...Engine) *Chain {
	return &Chain{cfg: cfg, engines: engines, artifacts: artifacts}
}

// Extract runs the fallback chain for one page and returns the best result.
// It never fails: on total failure the result has zero confidence and a
// Reason.
func (c *Chain) Extract(ctx context.Context, pageID string, png []byte) *TokenSet {
	logger := slog.With("page_id", pageID)
	width, height := imageSize(png)

	var (
		best    *TokenSet
		reasons []string
	)
	opts := Options{Language: c.cfg.Language}

	try := func(eng Engine, img []byte, o Options, attempt string, penalty float64, scale float64) {
		ts, err := c.run(ctx, eng, img, o)
		if err != nil {
			logger.Warn("ocr attempt failed", "attempt", attempt, "engine", eng.Name(), "error", err)
			reasons = append(reasons, fmt.Sprintf("%s (%s): %v", attempt, eng.Name(), err))
			return
		}
		if scale != 1 {
			rescale(ts, scale)
		}
		ts.Attempt = attempt
		ts.Penalty = penalty
		ts.Confidence = max(0, ts.Confidence-penalty)
		if ts.Engine == "" {
			ts.Engine = eng.Name()
		}
		if ts.Width == 0 || scale != 1 {
			ts.Width, ts.Height = width, height
		}
		c.saveTokens(ctx, pageID, attempt, ts)
		logger.Info("ocr attempt", "attempt", attempt, "engine", ts.Engine, "confidence", ts.Confidence, "tokens", len(ts.Tokens))
		if best == nil || ts.Confidence > best.Confidence {
			best = ts
		}
	}
	conf := func() float64 {
		if best == nil {
			return 0
		}
		return best.Confidence
	}

	if len(c.engines) == 0 {
		return &TokenSet{Attempt: AttemptNone, Width: width, Height: height, Reason: "no OCR engine configured"}
	}
	primary := c.engines[0]

	try(primary, png, opts, AttemptPrimary, 0, 1)

	enhanced := png
	if conf() < c.cfg.RerunThreshold && ctx.Err() == nil {
		if img, err := Preprocess(png, ModeEnhanced); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: preprocessing: %v", AttemptEnhanced, err))
		} else {
			enhanced = img
			c.saveImage(ctx, pageID, AttemptEnhanced, img)
			try(primary, img, opts, AttemptEnhanced, c.cfg.EnhancedPenalty, 1)
		}
	}

	if conf() < c.cfg.RerunThreshold && len(c.engines) > 1 && ctx.Err() == nil {
		try(c.engines[1], enhanced, opts, AttemptSecondary, c.cfg.SecondaryPenalty, 1)
	}

	if conf() < c.cfg.AcceptThreshold && ctx.Err() == nil {
		if img, err := Preprocess(png, ModeAggressive); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: preprocessing: %v", AttemptEmergency, err))
		} else {
			c.saveImage(ctx, pageID, AttemptEmergency, img)
			emergency := Options{Language: c.cfg.Language, Whitelist: c.cfg.EmergencyWhitelist, PageSegMode: 6}
			try(primary, img, emergency, AttemptEmergency, c.cfg.EmergencyPenalty, 0.5)
		}
	}

	if best == nil {
		reason := "all OCR attempts failed"
		if ctx.Err() != nil {
			reason = fmt.Sprintf("ocr aborted: %v", ctx.Err())
		}
		if len(reasons) > 0 {
			reason += ": " + strings.Join(reasons, "; ")
		}
		return &TokenSet{Attempt: AttemptNone, Width: width, Height: height, Reason: reason}
	}
	if len(reasons) > 0 {
		best.Reason = strings.Join(reasons, "; ")
	}
	return best
}

// run calls one engine under the attempt timeout, retrying transient
// failures with exponential backoff.
func (c *Chain) run(ctx context.Context, eng Engine, png []byte, opts Options) (*TokenSet, error) {
	var lastErr error
	for n := 0; n <= c.cfg.MaxRetries; n++ {
		if n > 0 {
			wait := c.cfg.BackoffBase * time.Duration(1<<(n-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting to retry: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		ts, err := safeExtract(attemptCtx, eng, png, opts)
		cancel()
		if err == nil {
			if ts == nil {
				return nil, fmt.Errorf("engine %s returned no result", eng.Name())
			}
			return ts, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, err
		}
		slog.Debug("retrying transient engine failure", "engine", eng.Name(), "retry", n+1, "error", err)
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func safeExtract(ctx context.Context, eng Engine, png []byte, opts Options) (ts *TokenSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine %s panicked: %v", eng.Name(), r)
		}
	}()
	return eng.Extract(ctx, png, opts)
}

// rescale maps token boxes from an upscaled image back to page pixels
func rescale(ts *TokenSet, f float64) {
	for i := range ts.Tokens {
		b := &ts.Tokens[i].Box
		b.X = int(float64(b.X) * f)
		b.Y = int(float64(b.Y) * f)
		b.W = int(float64(b.W) * f)
		b.H = int(float64(b.H) * f)
	}
}

func imageSize(png []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(png))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// ArtifactKey is the storage key of a debug artifact for a page attempt
func ArtifactKey(pageID, attempt, ext string) string {
	return fmt.Sprintf("artifacts/%s/%s.%s", pageID, attempt, ext)
}

func (c *Chain) saveImage(ctx context.Context, pageID, attempt string, png []byte) {
	if c.artifacts == nil {
		return
	}
	if _, err := c.artifacts.Save(ArtifactKey(pageID, attempt, "png"), png); err != nil {
		slog.WarnContext(ctx, "saving ocr artifact", "page_id", pageID, "attempt", attempt, "error", err)
	}
}

func (c *Chain) saveTokens(ctx context.Context, pageID, attempt string, ts *TokenSet) {
	if c.artifacts == nil {
		return
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return
	}
	if _, err := c.artifacts.Save(ArtifactKey(pageID, attempt, "json"), data); err != nil {
		slog.WarnContext(ctx, "saving ocr tokens", "page_id", pageID, "attempt", attempt, "error", err)
	}
}

// Close closes every engine in the chain
func (c *Chain) Close() error {
	var errs []error
	for _, e := range c.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}
