// Package validate scores extraction confidence, checks invoice arithmetic
// and decides the final status of a canonical record.
package validate

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-ingest/internal/document"
)

// Bands
const (
	BandHigh     = "high"
	BandMedium   = "medium"
	BandLow      = "low"
	BandCritical = "critical"
)

// Suggested actions
const (
	ActionNone         = "none"
	ActionQuickReview  = "quick_review"
	ActionManualReview = "manual_review"
	ActionCannotTrust  = "cannot_trust"
)

// Config weights the confidence factors and sets the band boundaries
type Config struct {
	OCRWeight        float64   `yaml:"ocr_weight" validate:"gte=0,lte=1"`
	ExtractionWeight float64   `yaml:"extraction_weight" validate:"gte=0,lte=1"`
	ValidationWeight float64   `yaml:"validation_weight" validate:"gte=0,lte=1"`
	HighBand         float64   `yaml:"high_band" validate:"lte=1,gtfield=MediumBand"`
	MediumBand       float64   `yaml:"medium_band" validate:"gtfield=LowBand"`
	LowBand          float64   `yaml:"low_band" validate:"gt=0"`
	Tolerance        float64   `yaml:"tolerance" validate:"gte=0"`
	VATRates         []float64 `yaml:"vat_rates" validate:"dive,gte=0,lt=1"`
	MinTextChars     int       `yaml:"min_text_chars" validate:"gte=0"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		OCRWeight:        0.40,
		ExtractionWeight: 0.35,
		ValidationWeight: 0.25,
		HighBand:         0.80,
		MediumBand:       0.60,
		LowBand:          0.40,
		Tolerance:        0.05,
		VATRates:         []float64{0, 0.05, 0.175, 0.20},
		MinTextChars:     50,
	}
}

// Invoice is the set of extracted values that are scored and checked
type Invoice struct {
	Supplier      string
	InvoiceNumber string
	Date          string
	Subtotal      *decimal.Decimal
	VAT           *decimal.Decimal
	VATRate       *decimal.Decimal // fraction, 0.20 for 20%
	Total         *decimal.Decimal
	Items         []document.LineItem
}

// SupplierKnown reports whether a supplier name was extracted
func (inv Invoice) SupplierKnown() bool {
	s := strings.ToLower(strings.TrimSpace(inv.Supplier))
	return s != "" && s != "unknown" && s != "unknown supplier"
}

func (inv Invoice) totalValue() float64 {
	if inv.Total == nil {
		return 0
	}
	return inv.Total.InexactFloat64()
}

// Scorer combines OCR, extraction and validation factors into a breakdown
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score builds the confidence breakdown for an extracted invoice
func (s *Scorer) Score(inv Invoice, ocrConfidence float64, text string) document.ConfidenceBreakdown {
	b := document.ConfidenceBreakdown{
		OCR:        OCRFactor(ocrConfidence, text),
		Extraction: ExtractionFactor(inv),
		Validation: ValidationFactor(inv),
	}
	b.Overall = clamp(s.cfg.OCRWeight*b.OCR + s.cfg.ExtractionWeight*b.Extraction + s.cfg.ValidationWeight*b.Validation)
	s.classify(&b, inv)
	b.FixableFields = fixableFields(inv, b)
	return b
}

// OCRFactor discounts the engine confidence for short or sparse text
func OCRFactor(confidence float64, text string) float64 {
	score := clamp(confidence)
	chars := len([]rune(strings.TrimSpace(text)))
	switch {
	case chars < 20:
		score *= 0.5
	case chars < 50:
		score *= 0.7
	}
	words := len(strings.Fields(text))
	switch {
	case words > 100:
		score *= 1.1
	case words < 20:
		score *= 0.8
	}
	return clamp(score)
}

// ExtractionFactor measures how many of the key fields were found
func ExtractionFactor(inv Invoice) float64 {
	var score float64
	if inv.SupplierKnown() {
		score += 0.30
	}
	if strings.TrimSpace(inv.Date) != "" {
		score += 0.15
	}
	total := inv.totalValue()
	if total > 0 {
		score += 0.25
	}
	if strings.TrimSpace(inv.InvoiceNumber) != "" {
		score += 0.10
	}
	if len(inv.Items) > 0 {
		valid := 0
		for _, it := range inv.Items {
			if len(strings.TrimSpace(it.Description)) > 2 && it.Total != nil && it.Total.IsPositive() {
				valid++
			}
		}
		score += 0.20 * float64(valid) / float64(len(inv.Items))
	}
	if !inv.SupplierKnown() && total == 0 {
		score = min(score, 0.5)
	}
	return clamp(score)
}

// ValidationFactor checks the amounts against each other
func ValidationFactor(inv Invoice) float64 {
	score := 1.0
	total := inv.totalValue()
	if total > 0 && len(inv.Items) == 0 {
		score = 0.5
	}

	if len(inv.Items) > 0 {
		against := total
		if inv.Subtotal != nil && inv.Subtotal.IsPositive() {
			against = inv.Subtotal.InexactFloat64()
		}
		sum := sumItems(inv.Items).InexactFloat64()
		if against > 0 && sum > 0 {
			rel := abs(sum-against) / against
			switch {
			case rel > 0.10:
				score -= 0.5
			case rel > 0.05:
				score -= 0.3
			case rel > 0.01:
				score -= 0.1
			}
		}
	}

	if inv.Subtotal != nil && inv.VAT != nil && inv.Total != nil {
		if inv.Subtotal.Add(*inv.VAT).Sub(*inv.Total).Abs().GreaterThan(decimal.NewFromInt(1)) {
			score -= 0.3
		}
	}

	if inv.VATRate != nil && inv.VATRate.IsPositive() && inv.VAT != nil && inv.VAT.IsPositive() {
		subtotal := 0.0
		switch {
		case inv.Subtotal != nil:
			subtotal = inv.Subtotal.InexactFloat64()
		case total > 0:
			subtotal = total - inv.VAT.InexactFloat64()
		}
		if subtotal > 0 {
			expected := subtotal * inv.VATRate.InexactFloat64()
			if abs(inv.VAT.InexactFloat64()-expected)/expected > 0.10 {
				score -= 0.2
			}
		}
	}
	return clamp(score)
}

func (s *Scorer) classify(b *document.ConfidenceBreakdown, inv Invoice) {
	total := inv.totalValue()
	switch {
	case b.Overall < s.cfg.LowBand:
		b.Band, b.Action, b.Priority = BandCritical, ActionCannotTrust, "critical"
		switch {
		case b.OCR < 0.30:
			b.PrimaryIssue = "OCR quality too low"
			b.Hints = append(b.Hints, "OCR confidence is very low - consider re-scanning document")
		case !inv.SupplierKnown() && total == 0 && len(inv.Items) == 0:
			b.PrimaryIssue = "No data extracted"
			b.Hints = append(b.Hints, "Supplier unknown, total is zero, and no line items found")
		case !inv.SupplierKnown():
			b.PrimaryIssue = "Supplier unknown"
			b.Hints = append(b.Hints, "Supplier name could not be extracted - manual verification needed")
		case total == 0:
			b.PrimaryIssue = "No total amount"
			b.Hints = append(b.Hints, "Total amount is zero - verify extraction")
		case len(inv.Items) == 0:
			b.PrimaryIssue = "No line items"
			b.Hints = append(b.Hints, "No line items extracted - check if document has line items")
		}
	case b.Overall < s.cfg.MediumBand:
		b.Band, b.Action, b.Priority = BandLow, ActionManualReview, "high"
		switch {
		case b.OCR < 0.50:
			b.PrimaryIssue = "OCR quality below threshold"
			b.Hints = append(b.Hints, "OCR confidence is low - review extracted text")
		case b.Extraction < 0.40:
			b.PrimaryIssue = "Extraction quality issues"
			b.Hints = append(b.Hints, "Some fields may be missing or incorrect")
		case b.Validation < 0.70:
			b.PrimaryIssue = "Validation issues detected"
			b.Hints = append(b.Hints, "Math inconsistencies detected - verify totals")
		}
	case b.Overall < s.cfg.HighBand:
		b.Band, b.Action, b.Priority = BandMedium, ActionQuickReview, "normal"
		switch {
		case b.OCR < 0.60:
			b.PrimaryIssue = "OCR quality moderate"
			b.Hints = append(b.Hints, "Quick review recommended - OCR confidence is moderate")
		case b.Extraction < 0.50:
			b.PrimaryIssue = "Some fields may need verification"
			b.Hints = append(b.Hints, "Verify extracted fields match document")
		case b.Validation < 0.85:
			b.PrimaryIssue = "Minor validation issues"
			b.Hints = append(b.Hints, "Check totals and calculations")
		}
	default:
		b.Band, b.Action = BandHigh, ActionNone
		switch {
		case b.OCR <= 0.75:
			b.PrimaryIssue = "OCR quality could be better"
		case b.Extraction <= 0.75:
			b.PrimaryIssue = "Some extraction fields could be verified"
		case b.Validation <= 0.75:
			b.PrimaryIssue = "Minor validation note"
		}
	}
}

// fixableFields lists the fields a reviewer should fill in or check
func fixableFields(inv Invoice, b document.ConfidenceBreakdown) []string {
	if b.Band == BandHigh {
		return nil
	}
	var out []string
	if !inv.SupplierKnown() {
		out = append(out, "supplier")
	}
	if strings.TrimSpace(inv.Date) == "" {
		out = append(out, "date")
	}
	if strings.TrimSpace(inv.InvoiceNumber) == "" {
		out = append(out, "invoice_number")
	}
	if inv.totalValue() <= 0 {
		out = append(out, "total")
	}
	if len(inv.Items) == 0 || b.Validation < 0.7 {
		out = append(out, "line_items")
	}
	return out
}

func sumItems(items []document.LineItem) decimal.Decimal {
	var sum decimal.Decimal
	for _, it := range items {
		if it.Total != nil {
			sum = sum.Add(*it.Total)
		}
	}
	return sum
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
