package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	invoiceNumberRe = regexp.MustCompile(`(?i)\b(?:invoice|inv)[ \t]*(?:no\.?|number|num)?[ \t]*#?[ \t]*:?[ \t]*([A-Za-z0-9][A-Za-z0-9\-_/]{2,19})\b`)
	invPrefixRe     = regexp.MustCompile(`\b(INV[0-9\-_/]{3,20})\b`)
	numericDateRe   = regexp.MustCompile(`\b(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2,4})\b`)
	isoDateRe       = regexp.MustCompile(`\b(\d{4})[/\-.](\d{1,2})[/\-.](\d{1,2})\b`)
	textDateRe      = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	supplierRe      = regexp.MustCompile(`(?i)\b([A-Z][A-Z0-9&.'\- ]{1,40}?\s(?:LTD|LIMITED|INC|CORP|LLC|PLC|CO|COMPANY))\b\.?`)
	pageNumberRe    = regexp.MustCompile(`(?i)\b(?:page|pg)\.?\s*(\d{1,3})(?:\s*(?:of|/)\s*(\d{1,3}))?\b`)
	currencyRe      = regexp.MustCompile(`[£$€]|\b(?:GBP|USD|EUR)\b`)
	totalsLineRe    = regexp.MustCompile(`(?im)^\s*(?:sub\s*-?total|total(?:\s+due)?|grand\s+total|amount\s+due|balance\s+due)\b[^\n]*\d`)
	closingRe       = regexp.MustCompile(`(?i)\b(?:signature|signed|received\s+by|thank\s+you|payment\s+terms|bank\s+details)\b`)
	numberTokenRe   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	tableHeaderRe   = regexp.MustCompile(`(?i)\b(qty|quantity|description|item|unit\s*price|price|amount|total)\b`)
	docTitleRe      = regexp.MustCompile(`(?i)^\s*(?:tax\s+)?(?:invoice|bill|statement|delivery\s+note|receipt|credit\s+note)\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var typeKeywords = compileKeywords(map[string][]string{
	"invoice":       {"invoice", "tax invoice", "vat", "bill to", "invoice date", "due date", "subtotal"},
	"delivery_note": {"delivery note", "delivered", "goods received", "proof of delivery", "dispatch note", "received by"},
	"receipt":       {"receipt", "till", "cashier", "change due", "card payment", "thank you for shopping"},
	"utility":       {"kwh", "meter", "electricity", "standing charge", "billing period", "account number", "energy"},
	"credit_note":   {"credit note", "credit memo", "amount credited", "refund"},
})

func compileKeywords(in map[string][]string) map[string][]*regexp.Regexp {
	out := make(map[string][]*regexp.Regexp, len(in))
	for docType, words := range in {
		for _, w := range words {
			out[docType] = append(out[docType], regexp.MustCompile(`\b`+regexp.QuoteMeta(w)+`\b`))
		}
	}
	return out
}

// Features are the text cues used by classification, segmentation and stitching
type Features struct {
	TextLength     int
	WordCount      int
	InvoiceNumbers []string
	Dates          []string
	Supplier       string
	PageNumber     int
	PageCount      int
	HasCurrency    bool
	HasTotals      bool
	HasHeader      bool
	HasClosing     bool
	HasTableStart  bool
	TableDensity   float64
	Elongated      bool
	Keywords       map[string]int
	lower          string
}

// ExtractFeatures reads the cues from a page's OCR text and pixel size
func ExtractFeatures(text string, width, height int) Features {
	f := Features{
		TextLength: len(strings.TrimSpace(text)),
		WordCount:  len(strings.Fields(text)),
		Keywords:   make(map[string]int),
		lower:      strings.ToLower(text),
	}
	if width > 0 && height > 0 {
		f.Elongated = float64(height)/float64(width) >= 2.0
	}

	f.InvoiceNumbers = InvoiceNumbers(text)
	f.Dates = Dates(text)
	f.Supplier = Supplier(text)
	f.PageNumber, f.PageCount = PageNumber(text)
	f.HasCurrency = currencyRe.MatchString(text)
	f.HasTotals = totalsLineRe.MatchString(text)
	f.HasClosing = closingRe.MatchString(text)

	lines := strings.Split(text, "\n")
	numeric := 0
	nonEmpty := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		if len(numberTokenRe.FindAllString(line, -1)) >= 2 {
			numeric++
		}
		if i < 5 && (docTitleRe.MatchString(line) || supplierRe.MatchString(line)) {
			f.HasHeader = true
		}
		if len(uniqueLower(tableHeaderRe.FindAllString(line, -1))) >= 2 {
			f.HasTableStart = true
		}
	}
	if nonEmpty > 0 {
		f.TableDensity = float64(numeric) / float64(nonEmpty)
	}
	if len(f.InvoiceNumbers) > 0 {
		top := strings.ToUpper(strings.Join(lines[:min(5, len(lines))], " "))
		if strings.Contains(top, f.InvoiceNumbers[0]) {
			f.HasHeader = true
		}
	}

	for docType, words := range typeKeywords {
		for _, w := range words {
			if w.MatchString(f.lower) {
				f.Keywords[docType]++
			}
		}
	}
	return f
}

func uniqueLower(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		k := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// InvoiceNumbers returns the distinct invoice or reference numbers in text,
// upper-cased. Candidates without a digit are ignored ("Invoice Date").
func InvoiceNumbers(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(v string) {
		v = strings.ToUpper(strings.Trim(v, "-_/"))
		if len(v) < 3 || !strings.ContainsAny(v, "0123456789") || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, m := range invoiceNumberRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range invPrefixRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// Dates returns distinct dates found in text, normalised to YYYY-MM-DD.
// Numeric dates are read day first unless that is impossible.
func Dates(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, m := range isoDateRe.FindAllStringSubmatch(text, -1) {
		add(makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3])))
	}
	for _, m := range numericDateRe.FindAllStringSubmatch(text, -1) {
		day, month, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month > 12 && day <= 12 {
			day, month = month, day
		}
		add(makeDate(year, month, day))
	}
	for _, m := range textDateRe.FindAllStringSubmatch(text, -1) {
		month := months[strings.ToLower(m[2])[:3]]
		add(makeDate(atoi(m[3]), int(month), atoi(m[1])))
	}
	return out
}

func makeDate(year, month, day int) string {
	if year < 1900 || year > 2200 || month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return ""
	}
	return t.Format("2006-01-02")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Supplier guesses the issuing company: a name ending in a company suffix,
// otherwise the first header line that is not a document title.
func Supplier(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i >= 12 {
			break
		}
		if m := supplierRe.FindStringSubmatch(line); m != nil {
			return strings.Join(strings.Fields(m[1]), " ")
		}
	}
	for i, line := range lines {
		if i >= 4 {
			break
		}
		line = strings.TrimSpace(line)
		if len(line) < 3 || docTitleRe.MatchString(line) || numberTokenRe.MatchString(line) {
			continue
		}
		if len(uniqueLower(tableHeaderRe.FindAllString(line, -1))) >= 2 {
			continue
		}
		letters := 0
		for _, r := range line {
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
				letters++
			}
		}
		if float64(letters)/float64(len(line)) >= 0.6 {
			return strings.Join(strings.Fields(line), " ")
		}
	}
	return ""
}

// PageNumber returns the printed "page N of M" values, zero when absent
func PageNumber(text string) (int, int) {
	m := pageNumberRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0
	}
	n := atoi(m[1])
	total := 0
	if m[2] != "" {
		total = atoi(m[2])
	}
	return n, total
}

var supplierSuffixes = map[string]bool{
	"LTD": true, "LIMITED": true, "INC": true, "CORP": true, "LLC": true,
	"PLC": true, "CO": true, "COMPANY": true,
}

// NormalizeSupplier reduces a supplier name to comparable upper-case words
// without punctuation or company suffixes.
func NormalizeSupplier(name string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToUpper(name)) {
		w = strings.Trim(w, ".,'&-")
		if w == "" || supplierSuffixes[w] {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

// SupplierMatch compares two supplier names: 1 for equal normalised names,
// 0.5 when one contains the other, else 0.
func SupplierMatch(a, b string) float64 {
	na, nb := NormalizeSupplier(a), NormalizeSupplier(b)
	switch {
	case na == "" || nb == "":
		return 0
	case na == nb:
		return 1
	case strings.Contains(na, nb) || strings.Contains(nb, na):
		return 0.5
	}
	return 0
}

func (f Features) String() string {
	return fmt.Sprintf("supplier=%q invoice=%v dates=%v page=%d/%d header=%t totals=%t table=%t",
		f.Supplier, f.InvoiceNumbers, f.Dates, f.PageNumber, f.PageCount, f.HasHeader, f.HasTotals, f.HasTableStart)
}
