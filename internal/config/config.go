// Package config loads the pipeline tunables from YAML over the built-in
// defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zombor/invoice-ingest/internal/classify"
	"github.com/zombor/invoice-ingest/internal/dedup"
	"github.com/zombor/invoice-ingest/internal/pipeline"
	"github.com/zombor/invoice-ingest/internal/scanning"
	"github.com/zombor/invoice-ingest/internal/tables"
	"github.com/zombor/invoice-ingest/internal/validate"
)

// Tunables holds every threshold and weight the pipeline uses
type Tunables struct {
	Dedup      dedup.Config           `yaml:"dedup"`
	Classify   classify.Config        `yaml:"classify"`
	Segment    classify.SegmentConfig `yaml:"segment"`
	Stitch     classify.StitchConfig  `yaml:"stitch"`
	OCR        scanning.Config        `yaml:"ocr"`
	Tables     tables.Config          `yaml:"tables"`
	Confidence validate.Config        `yaml:"confidence"`
	Pipeline   pipeline.Config        `yaml:"pipeline"`
}

// Defaults returns the tuned defaults of every package
func Defaults() Tunables {
	return Tunables{
		Dedup:      dedup.DefaultConfig(),
		Classify:   classify.DefaultConfig(),
		Segment:    classify.DefaultSegmentConfig(),
		Stitch:     classify.DefaultStitchConfig(),
		OCR:        scanning.DefaultConfig(),
		Tables:     tables.DefaultConfig(),
		Confidence: validate.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
	}
}

// Load reads a YAML tunables file over the defaults. An empty path returns
// the defaults.
func Load(path string) (Tunables, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("reading tunables %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tunables{}, fmt.Errorf("parsing tunables %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, fmt.Errorf("tunables %s: %w", path, err)
	}
	return t, nil
}

// Validate checks field ranges and the cross-field rules
func (t Tunables) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(confidenceRules, validate.Config{})
	v.RegisterStructValidation(ocrRules, scanning.Config{})

	err := v.Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the root struct name
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid: %s", strings.Join(msgs, "; "))
}

// confidenceRules requires the factor weights to sum to one
func confidenceRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(validate.Config)
	if math.Abs(c.OCRWeight+c.ExtractionWeight+c.ValidationWeight-1) > 1e-6 {
		sl.ReportError(c.OCRWeight, "ocr_weight", "OCRWeight", "weights_sum", "1")
	}
}

// ocrRules requires a rerun threshold at or above the accept threshold
func ocrRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(scanning.Config)
	if c.AcceptThreshold > c.RerunThreshold {
		sl.ReportError(c.AcceptThreshold, "accept_threshold", "AcceptThreshold", "ltefield", "rerun_threshold")
	}
}
