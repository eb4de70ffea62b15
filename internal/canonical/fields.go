package canonical

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-ingest/internal/classify"
	"github.com/zombor/invoice-ingest/internal/tables"
)

const amountPattern = `[£$€]?\s*(\(?-?\d[\d,]*\.\d{2}\)?-?)`

var (
	subtotalRe = regexp.MustCompile(`(?im)^\s*(?:sub\s*-?\s*total|net\s+total|total\s+net|goods\s+total)\b[^\d£$€\n]*` + amountPattern)
	vatRe      = regexp.MustCompile(`(?im)^\s*(?:vat|tax)\b(?:\s*@?\s*(\d{1,2}(?:\.\d+)?)\s*%)?[^\d£$€\n]*` + amountPattern)
	totalRe    = regexp.MustCompile(`(?im)^\s*(?:grand\s+total|invoice\s+total|total\s+due|amount\s+due|balance\s+due|total)\b(?:\s*\((?:inc|incl)[^)\n]*\))?[^\d£$€\n]*` + amountPattern)

	currencyWords = []struct {
		re   *regexp.Regexp
		code string
	}{
		{regexp.MustCompile(`£|\bGBP\b`), "GBP"},
		{regexp.MustCompile(`€|\bEUR\b`), "EUR"},
		{regexp.MustCompile(`\$|\bUSD\b`), "USD"},
	}
)

// Field base confidences, scaled by the OCR confidence of the text
var fieldWeights = map[string]float64{
	"supplier":       0.85,
	"invoice_number": 0.9,
	"date":           0.85,
	"currency":       0.9,
	"subtotal":       0.95,
	"vat":            0.95,
	"total":          0.95,
}

// defaultCurrency is assumed when no symbol or code is printed
const defaultCurrency = "GBP"

// header holds the document-level values read from the merged text
type header struct {
	Supplier      string
	InvoiceNumber string
	Date          string
	Currency      string
	CurrencyFound bool
	Subtotal      *decimal.Decimal
	VAT           *decimal.Decimal
	VATRate       *decimal.Decimal
	Total         *decimal.Decimal
}

// readHeader extracts header fields. Segment-level guesses win over a fresh
// read of the text; amounts take the last labelled value, which is the one
// on the final page of a multi-page document.
func readHeader(text string, in Input) header {
	var h header

	h.Supplier = in.Supplier
	if h.Supplier == "" {
		h.Supplier = classify.Supplier(text)
	}
	if len(in.InvoiceNumbers) > 0 {
		h.InvoiceNumber = in.InvoiceNumbers[0]
	} else if nums := classify.InvoiceNumbers(text); len(nums) > 0 {
		h.InvoiceNumber = nums[0]
	}
	if len(in.Dates) > 0 {
		h.Date = in.Dates[0]
	} else if dates := classify.Dates(text); len(dates) > 0 {
		h.Date = dates[0]
	}

	h.Currency = defaultCurrency
	for _, c := range currencyWords {
		if c.re.MatchString(text) {
			h.Currency, h.CurrencyFound = c.code, true
			break
		}
	}

	if m := lastMatch(subtotalRe, text); m != nil {
		h.Subtotal = money(m[1])
	}
	if m := lastMatch(vatRe, text); m != nil {
		h.VAT = money(m[2])
		if m[1] != "" {
			if pct, err := decimal.NewFromString(m[1]); err == nil && pct.IsPositive() {
				rate := pct.Div(decimal.NewFromInt(100))
				h.VATRate = &rate
			}
		}
	}
	if m := lastMatch(totalRe, text); m != nil {
		h.Total = money(m[1])
	}
	return h
}

func lastMatch(re *regexp.Regexp, text string) []string {
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func money(s string) *decimal.Decimal {
	v, ok := tables.ParseMoney(strings.TrimSpace(s))
	if !ok {
		return nil
	}
	return &v
}

// fieldConfidence scores each header field from the OCR confidence and
// whether it was found at all
func fieldConfidence(h header, ocr float64) map[string]float64 {
	present := map[string]bool{
		"supplier":       h.Supplier != "",
		"invoice_number": h.InvoiceNumber != "",
		"date":           h.Date != "",
		"currency":       true,
		"subtotal":       h.Subtotal != nil,
		"vat":            h.VAT != nil,
		"total":          h.Total != nil,
	}
	out := make(map[string]float64, len(fieldWeights)+1)
	for field, w := range fieldWeights {
		if !present[field] {
			out[field] = 0
			continue
		}
		out[field] = round3(ocr * w)
	}
	if !h.CurrencyFound {
		out["currency"] = round3(ocr * 0.5)
	}
	return out
}

func round3(v float64) float64 {
	return decimal.NewFromFloat(v).Round(3).InexactFloat64()
}
