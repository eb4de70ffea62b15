package tables

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	plainNumberRe = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
	thousandsRe   = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	decimalComma  = regexp.MustCompile(`^-?\d+,\d{2}$`)
	mergedRe      = regexp.MustCompile(`^(\d+\.\d{2})(\d+\.\d{2})$`)
	quantityXRe   = regexp.MustCompile(`(?i)^(?:x(\d{1,4})|(\d{1,4})x)$`)
	measureRe     = regexp.MustCompile(`(?i)^(\d{1,4}(?:\.\d{1,3})?)\s*(?:kg|g|l|ltr|ml|m)$`)
)

var currencyReplacer = strings.NewReplacer("£", "", "$", "", "€", "", "GBP", "", "USD", "", "EUR", "", " ", "")

func cleanNumber(s string) (string, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimRight(currencyReplacer.Replace(s), ":;")
	if strings.HasSuffix(s, "-") {
		neg = true
		s = strings.TrimSuffix(s, "-")
	}
	switch {
	case thousandsRe.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case decimalComma.MatchString(s):
		s = strings.Replace(s, ",", ".", 1)
	}
	if !plainNumberRe.MatchString(s) {
		return "", false
	}
	if neg && !strings.HasPrefix(s, "-") {
		s = "-" + s
	}
	return s, true
}

// ParseMoney reads a currency amount such as "£1,234.50" or "(12.00)",
// rounded to two places.
func ParseMoney(s string) (decimal.Decimal, bool) {
	clean, ok := cleanNumber(s)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

// SplitMerged splits two prices OCR ran together, "10.60636.00" being
// 10.60 and 636.00.
func SplitMerged(s string) (decimal.Decimal, decimal.Decimal, bool) {
	m := mergedRe.FindStringSubmatch(strings.TrimSpace(currencyReplacer.Replace(s)))
	if m == nil {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	a, errA := decimal.NewFromString(m[1])
	b, errB := decimal.NewFromString(m[2])
	if errA != nil || errB != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return a, b, true
}

// numericValues reads the amounts in one cell. Merged prices give two values.
func numericValues(s string) ([]decimal.Decimal, bool) {
	if a, b, ok := SplitMerged(s); ok {
		return []decimal.Decimal{a, b}, false
	}
	clean, ok := cleanNumber(s)
	if !ok {
		return nil, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return nil, false
	}
	return []decimal.Decimal{d.Round(2)}, !strings.Contains(clean, ".")
}

// quantityMarker reads "2x", "x2" or a measured quantity such as "2.5 kg"
func quantityMarker(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if m := measureRe.FindStringSubmatch(s); m != nil {
		d, err := decimal.NewFromString(m[1])
		return d, err == nil
	}
	m := quantityXRe.FindStringSubmatch(s)
	if m == nil {
		return decimal.Decimal{}, false
	}
	v := m[1]
	if v == "" {
		v = m[2]
	}
	d, err := decimal.NewFromString(v)
	return d, err == nil
}

// multiplies reports whether qty times unit gives one of the totals, to the penny
func multiplies(qty, unit decimal.Decimal, totals []decimal.Decimal) bool {
	want := qty.Mul(unit).Round(2)
	for _, t := range totals {
		if want.Sub(t).Abs().LessThanOrEqual(decimal.New(1, -2)) {
			return true
		}
	}
	return false
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
