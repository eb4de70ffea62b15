package tables

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-ingest/internal/document"
)

var amountRe = regexp.MustCompile(`[£$€]?\d{1,3}(?:,\d{3})*\.\d{2}\b|[£$€]?\d+\.\d{2}\b`)

// Header carries the document-level amounts the items are checked against
type Header struct {
	Subtotal *decimal.Decimal
	Total    *decimal.Decimal
}

// Reconciliation compares the item sum with the header amounts
type Reconciliation struct {
	Sum      decimal.Decimal  `json:"sum"`
	Against  string           `json:"against,omitempty"`
	Expected *decimal.Decimal `json:"expected,omitempty"`
	Matched  bool             `json:"matched"`
	// Recovered is a raw-text amount matching the item sum when the header
	// value disagreed, usually a misread subtotal
	Recovered   *decimal.Decimal `json:"recovered,omitempty"`
	Discrepancy *decimal.Decimal `json:"discrepancy,omitempty"`
	// Gross marks a discrepancy too large to be a missed line or two; the
	// table was probably misread
	Gross   bool   `json:"gross,omitempty"`
	Warning string `json:"warning,omitempty"`
}

var (
	reconcileTolerance = decimal.NewFromInt(1)
	grossLow           = decimal.NewFromFloat(0.5)
	grossHigh          = decimal.NewFromFloat(1.5)
)

// Reconcile checks the line totals against the header subtotal, or the total
// when there is no subtotal. On mismatch the summary lines of the raw text
// are searched for an amount within 1.00 of the item sum before a
// discrepancy is reported. The items' own printed totals never count.
func Reconcile(items []document.LineItem, header Header, rawText string) Reconciliation {
	var rec Reconciliation
	lineTotals := map[string]bool{}
	for _, it := range items {
		if it.Total != nil {
			rec.Sum = rec.Sum.Add(*it.Total)
			lineTotals[it.Total.StringFixed(2)] = true
		}
	}

	switch {
	case header.Subtotal != nil:
		rec.Against, rec.Expected = "subtotal", header.Subtotal
	case header.Total != nil:
		rec.Against, rec.Expected = "total", header.Total
	default:
		return rec
	}
	if len(items) == 0 {
		return rec
	}

	diff := rec.Sum.Sub(*rec.Expected)
	if diff.Abs().LessThanOrEqual(reconcileTolerance) {
		rec.Matched = true
		return rec
	}

	if v, ok := summaryAmount(rawText, rec.Sum, lineTotals); ok {
		rec.Recovered = &v
		rec.Warning = fmt.Sprintf("header %s %s disagrees with line items %s; found %s in the text",
			rec.Against, rec.Expected.StringFixed(2), rec.Sum.StringFixed(2), v.StringFixed(2))
		return rec
	}

	rec.Discrepancy = &diff
	if rec.Expected.IsPositive() {
		ratio := rec.Sum.Div(*rec.Expected)
		rec.Gross = ratio.LessThan(grossLow) || ratio.GreaterThan(grossHigh)
	}
	rec.Warning = fmt.Sprintf("line items sum to %s but %s is %s",
		rec.Sum.StringFixed(2), rec.Against, rec.Expected.StringFixed(2))
	return rec
}

// summaryAmount finds an amount near sum on a subtotal or total line
func summaryAmount(rawText string, sum decimal.Decimal, lineTotals map[string]bool) (decimal.Decimal, bool) {
	for _, line := range strings.Split(rawText, "\n") {
		if !summaryRe.MatchString(line) {
			continue
		}
		for _, m := range amountRe.FindAllString(line, -1) {
			v, ok := ParseMoney(m)
			if !ok || lineTotals[v.StringFixed(2)] {
				continue
			}
			if v.Sub(sum).Abs().LessThanOrEqual(reconcileTolerance) {
				return v, true
			}
		}
	}
	return decimal.Decimal{}, false
}
