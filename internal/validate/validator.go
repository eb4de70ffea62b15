package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Issue codes
const (
	IssueSubtotalMismatch = "subtotal_mismatch"
	IssueVATMismatch      = "vat_mismatch"
	IssueTotalMismatch    = "total_mismatch"
	IssueTotalTooLow      = "total_too_low"
	IssueTotalTooHigh     = "total_too_high"
	IssueTotalDifference  = "total_difference"
)

// Correction sources
const (
	SourceRawText  = "raw_text_scan"
	SourceComputed = "computed_from_items"
	SourceRounding = "rounding_adjustment"
)

var (
	exactTolerance = decimal.RequireFromString("0.01")
	oneUnit        = decimal.NewFromInt(1)
	hundred        = decimal.NewFromInt(100)

	totalLabelRe = regexp.MustCompile(`(?i)(?:grand\s+total|balance\s+due|amount\s+due|total)[\s:]*[£$€]?\s*(\d[\d,]*(?:\.\d{1,2})?)`)
)

// Issue is one arithmetic problem found on an invoice
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Critical bool   `json:"critical"`
}

// Corrections are suggested replacement values. They are never applied
// automatically.
type Corrections struct {
	Subtotal    *decimal.Decimal `json:"subtotal,omitempty"`
	VAT         *decimal.Decimal `json:"vat,omitempty"`
	VATRate     *decimal.Decimal `json:"vat_rate,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	TotalSource string           `json:"total_source,omitempty"`
}

// Report is the outcome of an arithmetic consistency check
type Report struct {
	Consistent      bool             `json:"consistent"`
	Integrity       float64          `json:"integrity"`
	Issues          []Issue          `json:"issues,omitempty"`
	Corrections     Corrections      `json:"corrections"`
	ItemsSubtotal   decimal.Decimal  `json:"items_subtotal"`
	ItemsWithTotals int              `json:"items_with_totals"`
	ExpectedVAT     *decimal.Decimal `json:"expected_vat,omitempty"`
	ExpectedTotal   *decimal.Decimal `json:"expected_total,omitempty"`
}

// Critical reports whether any issue is critical
func (r Report) Critical() bool {
	for _, i := range r.Issues {
		if i.Critical {
			return true
		}
	}
	return false
}

// HasIssue reports whether an issue with the given code was raised
func (r Report) HasIssue(code string) bool {
	for _, i := range r.Issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// Messages returns the issue messages in the order they were raised
func (r Report) Messages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		out = append(out, i.Message)
	}
	return out
}

func (r *Report) add(code string, critical bool, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Code: code, Message: fmt.Sprintf(format, args...), Critical: critical})
}

// Validator checks invoice amounts for internal consistency. It catches the
// usual OCR damage such as a dropped thousands separator turning 1,504.32
// into 1.50.
type Validator struct {
	tolerance decimal.Decimal
	rates     []decimal.Decimal
}

// NewValidator creates a Validator
func NewValidator(cfg Config) *Validator {
	v := &Validator{tolerance: decimal.NewFromFloat(cfg.Tolerance)}
	for _, r := range cfg.VATRates {
		v.rates = append(v.rates, decimal.NewFromFloat(r))
	}
	return v
}

// Validate checks line items, subtotal, VAT and total against each other
func (v *Validator) Validate(inv Invoice, ocrConfidence float64, rawText string) Report {
	var r Report

	for _, it := range inv.Items {
		switch {
		case it.Total != nil:
			r.ItemsSubtotal = r.ItemsSubtotal.Add(*it.Total)
			r.ItemsWithTotals++
		case it.Quantity != nil && it.UnitPrice != nil && it.Quantity.IsPositive():
			r.ItemsSubtotal = r.ItemsSubtotal.Add(it.Quantity.Mul(*it.UnitPrice).Round(2))
			r.ItemsWithTotals++
		}
	}
	mostlyComplete := len(inv.Items) > 0 && float64(r.ItemsWithTotals) >= 0.8*float64(len(inv.Items))

	subtotalOK := false
	if inv.Subtotal != nil && r.ItemsWithTotals > 0 {
		diff := inv.Subtotal.Sub(r.ItemsSubtotal).Abs()
		subtotalOK = diff.LessThan(exactTolerance)
		if diff.GreaterThan(v.tolerance) {
			r.add(IssueSubtotalMismatch, false, "subtotal mismatch: header %s vs items %s (diff %s)",
				inv.Subtotal.StringFixed(2), r.ItemsSubtotal.StringFixed(2), diff.StringFixed(2))
			if mostlyComplete {
				r.Corrections.Subtotal = ptr(r.ItemsSubtotal)
			}
		}
	}

	base := r.ItemsSubtotal
	if inv.Subtotal != nil {
		base = *inv.Subtotal
	}

	rate := inv.VATRate
	if rate == nil && inv.Subtotal != nil && inv.VAT != nil && inv.Subtotal.IsPositive() {
		if inferred, ok := v.inferRate(inv.VAT.Div(*inv.Subtotal)); ok {
			r.Corrections.VATRate = &inferred
			rate = &inferred
		}
	}
	vatOK := false
	if rate != nil && base.IsPositive() {
		expected := base.Mul(*rate).Round(2)
		r.ExpectedVAT = &expected
		if inv.VAT != nil {
			diff := inv.VAT.Sub(expected).Abs()
			vatOK = diff.LessThan(exactTolerance)
			if diff.GreaterThan(v.tolerance) {
				r.add(IssueVATMismatch, false, "VAT mismatch: header %s vs expected %s (diff %s)",
					inv.VAT.StringFixed(2), expected.StringFixed(2), diff.StringFixed(2))
				r.Corrections.VAT = ptr(expected)
			}
		}
	}

	totalOK := false
	if inv.Total != nil {
		vat := decimal.Zero
		switch {
		case inv.VAT != nil:
			vat = *inv.VAT
		case r.ExpectedVAT != nil:
			vat = *r.ExpectedVAT
		}
		expected := base.Add(vat).Round(2)
		r.ExpectedTotal = &expected
		diff := inv.Total.Sub(expected).Abs()
		linesMatch := r.ItemsWithTotals > 0 && inv.Total.Sub(r.ItemsSubtotal).Abs().LessThanOrEqual(oneUnit)
		totalOK = diff.LessThan(exactTolerance) || linesMatch

		if !linesMatch && diff.GreaterThan(v.tolerance) {
			v.checkTotal(&r, *inv.Total, expected, diff, rawText)
		}
	}

	integrity := 0.5 + 0.3*clamp(ocrConfidence)
	if subtotalOK {
		integrity += 0.2
	}
	if vatOK {
		integrity += 0.2
	}
	if totalOK {
		integrity += 0.2
	}
	if mostlyComplete {
		integrity += 0.1
	}
	for _, i := range r.Issues {
		if i.Critical {
			integrity -= 0.3
		} else {
			integrity -= 0.1
		}
	}
	r.Integrity = clamp(integrity)
	r.Consistent = len(r.Issues) == 0

	if len(r.Issues) > 0 {
		slog.Debug("invoice arithmetic issues", "issues", len(r.Issues), "integrity", r.Integrity, "critical", r.Critical())
	}
	return r
}

func (v *Validator) checkTotal(r *Report, total, expected, diff decimal.Decimal, rawText string) {
	r.add(IssueTotalMismatch, false, "total mismatch: header %s vs expected %s (diff %s)",
		total.StringFixed(2), expected.StringFixed(2), diff.StringFixed(2))

	tooLow := (total.LessThan(decimal.NewFromInt(10)) && expected.GreaterThan(hundred)) ||
		(expected.IsPositive() && total.LessThan(expected.Div(hundred)))
	switch {
	case tooLow:
		r.add(IssueTotalTooLow, true, "total too low: %s (expected about %s)", total.StringFixed(2), expected.StringFixed(2))
		if found, ok := scanForTotal(rawText, expected); ok {
			r.Corrections.Total, r.Corrections.TotalSource = &found, SourceRawText
		} else {
			r.Corrections.Total, r.Corrections.TotalSource = ptr(expected), SourceComputed
		}
	case expected.IsPositive() && total.GreaterThan(expected.Mul(hundred)):
		r.add(IssueTotalTooHigh, true, "total too high: %s (expected about %s)", total.StringFixed(2), expected.StringFixed(2))
		r.Corrections.Total, r.Corrections.TotalSource = ptr(expected), SourceComputed
	case diff.GreaterThan(oneUnit):
		r.add(IssueTotalDifference, false, "significant total difference: %s", diff.StringFixed(2))
		r.Corrections.Total, r.Corrections.TotalSource = ptr(expected), SourceComputed
	default:
		r.Corrections.Total, r.Corrections.TotalSource = ptr(expected), SourceRounding
	}
}

// inferRate snaps a computed VAT rate onto the closest known rate within 1%
func (v *Validator) inferRate(computed decimal.Decimal) (decimal.Decimal, bool) {
	for _, rate := range v.rates {
		if computed.Sub(rate).Abs().LessThan(exactTolerance) {
			return rate, true
		}
	}
	return decimal.Decimal{}, false
}

// scanForTotal looks for a labelled total in the raw text within one unit of
// the expected value and returns the closest.
func scanForTotal(rawText string, expected decimal.Decimal) (decimal.Decimal, bool) {
	var (
		best  decimal.Decimal
		found bool
	)
	for _, m := range totalLabelRe.FindAllStringSubmatch(rawText, -1) {
		val, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			continue
		}
		d := val.Sub(expected).Abs()
		if d.GreaterThanOrEqual(oneUnit) {
			continue
		}
		if !found || d.LessThan(best.Sub(expected).Abs()) {
			best, found = val, true
		}
	}
	return best, found
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
