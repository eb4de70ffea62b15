// Package tables recovers invoice line items from positional OCR tokens.
package tables

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/rtree"

	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/scanning"
)

var (
	headerTermRe = regexp.MustCompile(`(?i)\b(qty|quantity|description|item|unit\s*price|price|amount|total)\b`)
	summaryRe    = regexp.MustCompile(`(?i)^\s*(?:sub\s*-?total|total|grand\s+total|vat|tax|balance|amount\s+due|carriage|delivery\s+charge|discount|net|page\s+\d+)\b`)
	qtyLabelRe   = regexp.MustCompile(`(?i)^qty:?$`)
)

// Parse methods
const (
	MethodColumns = "columns"
	MethodLines   = "lines"
	MethodNone    = "none"
)

// Config tunes the table parser
type Config struct {
	RowTolerance     float64 `yaml:"row_tolerance_px" validate:"gt=0"`
	MinColumnGap     float64 `yaml:"min_column_gap_px" validate:"gt=0"`
	ColumnGapRatio   float64 `yaml:"column_gap_ratio" validate:"gt=0,lt=1"`
	ElongatedGap     float64 `yaml:"elongated_gap_ratio" validate:"gt=0,lt=1"`
	BucketWidth      int     `yaml:"bucket_px" validate:"gte=1"`
	MaxBackfill      float64 `yaml:"max_backfill" validate:"gt=0"`
	BackfillDiscount float64 `yaml:"backfill_discount" validate:"gte=0,lte=1"`
	MaxQuantity      float64 `yaml:"max_quantity" validate:"gt=0"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		RowTolerance:     15,
		MinColumnGap:     30,
		ColumnGapRatio:   0.02,
		ElongatedGap:     0.01,
		BucketWidth:      4,
		MaxBackfill:      100000,
		BackfillDiscount: 0.15,
		MaxQuantity:      10000,
	}
}

// Band is a column's horizontal extent in pixels
type Band struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Center is the band's horizontal midpoint
func (b Band) Center() float64 { return (b.Min + b.Max) / 2 }

// Result is the parsed table with diagnostics
type Result struct {
	Items    []document.LineItem `json:"items"`
	Bands    []Band              `json:"bands"`
	Method   string              `json:"method"`
	Reason   string              `json:"reason,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Parser turns token sets into line items
type Parser struct {
	cfg Config
}

// NewParser creates a Parser
func NewParser(cfg Config) *Parser {
	return &Parser{cfg: cfg}
}

type row struct {
	tokens []scanning.Token
	y      float64
}

func (r row) text() string {
	words := make([]string, len(r.tokens))
	for i, t := range r.tokens {
		words[i] = t.Text
	}
	return strings.Join(words, " ")
}

type cell struct {
	text    string
	conf    float64
	values  []decimal.Decimal
	integer bool
	qty     *decimal.Decimal
	band    int
}

func (c cell) numeric() bool { return len(c.values) > 0 || c.qty != nil }

// Parse extracts line items from one page's tokens. It never fails; an
// empty result carries a Reason.
func (p *Parser) Parse(ts *scanning.TokenSet) Result {
	if ts == nil || len(ts.Tokens) == 0 {
		return Result{Method: MethodNone, Reason: "no tokens"}
	}

	rows := p.rows(ts.Tokens)
	body := tableBody(rows)
	bands := p.bands(ts, body)

	if len(bands) >= 2 {
		var items []document.LineItem
		for _, r := range body {
			p.addRow(&items, assignCells(r, bands), len(bands)-1)
		}
		if len(items) > 0 {
			return Result{Items: items, Bands: bands, Method: MethodColumns}
		}
	}

	items := p.parseLines(ts)
	if len(items) > 0 {
		return Result{
			Items:    items,
			Bands:    bands,
			Method:   MethodLines,
			Warnings: []string{"no column structure found; items read line by line"},
		}
	}
	return Result{Method: MethodNone, Bands: bands, Reason: "no line items found"}
}

// rows clusters tokens by vertical centre using an R-tree over token
// centres, then orders each row left to right.
func (p *Parser) rows(tokens []scanning.Token) []row {
	var tr rtree.RTreeG[int]
	order := make([]int, len(tokens))
	for i, t := range tokens {
		pt := [2]float64{t.Box.CenterX(), t.Box.CenterY()}
		tr.Insert(pt, pt, i)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tokens[order[a]].Box.CenterY() < tokens[order[b]].Box.CenterY()
	})

	assigned := make([]bool, len(tokens))
	var rows []row
	for _, seed := range order {
		if assigned[seed] {
			continue
		}
		cy := tokens[seed].Box.CenterY()
		var r row
		tr.Search(
			[2]float64{-math.MaxFloat64, cy - p.cfg.RowTolerance},
			[2]float64{math.MaxFloat64, cy + p.cfg.RowTolerance},
			func(_, _ [2]float64, idx int) bool {
				if !assigned[idx] {
					assigned[idx] = true
					r.tokens = append(r.tokens, tokens[idx])
				}
				return true
			},
		)
		sort.SliceStable(r.tokens, func(a, b int) bool { return r.tokens[a].Box.X < r.tokens[b].Box.X })
		r.y = cy
		rows = append(rows, r)
	}
	return rows
}

func isHeaderRow(r row) bool {
	seen := map[string]bool{}
	for _, m := range headerTermRe.FindAllString(r.text(), -1) {
		seen[strings.ToLower(strings.Join(strings.Fields(m), " "))] = true
	}
	return len(seen) >= 2 && !hasAmount(r)
}

func hasAmount(r row) bool {
	for _, t := range r.tokens {
		if v, _ := numericValues(t.Text); len(v) > 0 && strings.ContainsAny(t.Text, ".,") {
			return true
		}
	}
	return false
}

// tableBody returns the rows between the column header and the totals. Pages
// without a header row fall back to every row carrying an amount.
func tableBody(rows []row) []row {
	start := -1
	for i, r := range rows {
		if isHeaderRow(r) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		var body []row
		for _, r := range rows {
			if hasAmount(r) && !summaryRe.MatchString(r.text()) {
				body = append(body, r)
			}
		}
		return body
	}

	var body []row
	for _, r := range rows[start:] {
		if summaryRe.MatchString(r.text()) {
			break
		}
		body = append(body, r)
	}
	return body
}

// bands finds columns from a histogram of the x buckets each body token
// spans, not token centres, so a multi-word description stays one column.
// Runs of occupied buckets separated by less than the column gap merge.
func (p *Parser) bands(ts *scanning.TokenSet, body []row) []Band {
	width, height := float64(ts.Width), float64(ts.Height)
	if width == 0 || height == 0 {
		for _, t := range ts.Tokens {
			width = math.Max(width, float64(t.Box.X+t.Box.W))
			height = math.Max(height, float64(t.Box.Y+t.Box.H))
		}
	}
	gap := math.Max(p.cfg.MinColumnGap, p.cfg.ColumnGapRatio*width)
	if width > 0 && height/width >= 2.0 {
		// receipts print narrow columns close together
		gap = math.Max(p.cfg.MinColumnGap/2, p.cfg.ElongatedGap*width)
	}

	bucket := float64(p.cfg.BucketWidth)
	occupied := map[int]bool{}
	for _, r := range body {
		for _, t := range r.tokens {
			for b := int(float64(t.Box.X) / bucket); b <= int(float64(t.Box.X+t.Box.W)/bucket); b++ {
				occupied[b] = true
			}
		}
	}
	if len(occupied) == 0 {
		return nil
	}
	keys := make([]int, 0, len(occupied))
	for k := range occupied {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var bands []Band
	cur := Band{Min: float64(keys[0]) * bucket, Max: float64(keys[0]+1) * bucket}
	for _, k := range keys[1:] {
		start := float64(k) * bucket
		if start-cur.Max > gap {
			bands = append(bands, cur)
			cur = Band{Min: start}
		}
		cur.Max = start + bucket
	}
	return append(bands, cur)
}

// assignCells joins each row token into the band containing its centre, or
// the nearest band.
func assignCells(r row, bands []Band) []cell {
	texts := make([][]string, len(bands))
	confs := make([][]float64, len(bands))
	for _, t := range r.tokens {
		cx := t.Box.CenterX()
		best, bestDist := 0, math.MaxFloat64
		for i, b := range bands {
			d := 0.0
			if cx < b.Min || cx > b.Max {
				d = math.Abs(cx - b.Center())
			}
			if d < bestDist {
				best, bestDist = i, d
			}
		}
		texts[best] = append(texts[best], t.Text)
		confs[best] = append(confs[best], t.Confidence)
	}

	var cells []cell
	for i := range bands {
		if len(texts[i]) == 0 {
			continue
		}
		for _, c := range makeCells(texts[i], confs[i]) {
			c.band = i
			cells = append(cells, c)
		}
	}
	return cells
}

// makeCells builds the cells of one band. A band holding several numbers
// (a qty that drifted into the price column) yields one cell per number.
func makeCells(words []string, confs []float64) []cell {
	if c, ok := numericCell(strings.Join(words, " "), mean(confs)); ok {
		return []cell{c}
	}
	return makeWordCells(words, confs)
}

func numericCell(s string, conf float64) (cell, bool) {
	if q, ok := quantityMarker(s); ok {
		return cell{text: s, conf: conf, qty: ptr(q)}, true
	}
	if vals, integer := numericValues(s); len(vals) > 0 {
		return cell{text: s, conf: conf, values: vals, integer: integer}, true
	}
	return cell{}, false
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// addRow turns a row's cells into a line item. A row with text but no
// numbers continues the previous item's description. A lone price left of
// totalBand is a unit price; totalBand is -1 when columns are unknown.
func (p *Parser) addRow(items *[]document.LineItem, cells []cell, totalBand int) {
	var (
		desc     string
		nums     []cell
		confs    []float64
		qtyLabel bool
	)
	for _, c := range cells {
		confs = append(confs, c.conf)
		if c.numeric() {
			nums = append(nums, c)
			continue
		}
		if qtyLabelRe.MatchString(c.text) {
			qtyLabel = true
			continue
		}
		if len(c.text) > len(desc) {
			desc = c.text
		}
	}

	if len(nums) == 0 {
		if desc != "" && len(*items) > 0 {
			last := &(*items)[len(*items)-1]
			last.Description = strings.TrimSpace(last.Description + " " + desc)
		}
		return
	}

	item := document.LineItem{Description: desc}
	found := 0
	if desc != "" {
		found++
	}

	var (
		values    []decimal.Decimal
		valueBand int
		priced    bool
	)
	for i, c := range nums {
		switch {
		case c.qty != nil && item.Quantity == nil:
			item.Quantity = c.qty
			item.QuantitySrc = document.ProvenanceExtracted
		case i == 0 && item.Quantity == nil && c.integer && len(c.values) == 1 && (len(nums) > 1 || qtyLabel) &&
			c.values[0].IsPositive() && c.values[0].LessThanOrEqual(decimal.NewFromFloat(p.cfg.MaxQuantity)):
			item.Quantity = ptr(c.values[0])
			item.QuantitySrc = document.ProvenanceExtracted
		default:
			values = append(values, c.values...)
			valueBand = c.band
			priced = priced || !c.integer
		}
	}
	// a leading amount that multiplies out is a decimal quantity
	if item.Quantity == nil && len(values) >= 3 && multiplies(values[0], values[1], values[2:]) {
		item.Quantity = ptr(values[0])
		item.QuantitySrc = document.ProvenanceExtracted
		values = values[1:]
	}
	if item.Quantity != nil {
		found++
	}

	switch {
	case len(values) >= 2:
		// amounts between unit price and total are tax or discount columns
		item.UnitPrice = ptr(values[0])
		item.Total = ptr(values[len(values)-1])
		item.TotalSrc = document.ProvenanceExtracted
		found += 2
	case len(values) == 1 && totalBand >= 0 && valueBand < totalBand:
		item.UnitPrice = ptr(values[0])
		found++
	case len(values) == 1:
		item.Total = ptr(values[0])
		item.TotalSrc = document.ProvenanceExtracted
		found++
	}
	// whole numbers alone are phone numbers, codes or dates, not prices
	if !priced {
		return
	}

	conf := mean(confs) * (0.5 + 0.5*float64(found)/4)
	if item.Quantity == nil {
		item.Quantity = ptr(decimal.NewFromInt(1))
		item.QuantitySrc = document.ProvenanceComputed
		conf -= 0.1
	}
	if item.Total == nil && item.UnitPrice != nil {
		v := item.Quantity.Mul(*item.UnitPrice).Round(2)
		if v.IsPositive() && v.LessThan(decimal.NewFromFloat(p.cfg.MaxBackfill)) {
			item.Total = ptr(v)
			item.TotalSrc = document.ProvenanceComputed
			conf -= p.cfg.BackfillDiscount
		}
	}
	item.Confidence = math.Max(0, math.Min(1, conf))
	*items = append(*items, item)
}

// parseLines is the fallback for pages without column structure: every text
// line between the table header and the totals is read as a row of words.
func (p *Parser) parseLines(ts *scanning.TokenSet) []document.LineItem {
	var lines []row
	for _, line := range strings.Split(ts.Text, "\n") {
		var r row
		for _, w := range strings.Fields(line) {
			r.tokens = append(r.tokens, scanning.Token{Text: w, Confidence: ts.Confidence})
		}
		if len(r.tokens) > 0 {
			lines = append(lines, r)
		}
	}

	var items []document.LineItem
	for _, r := range tableBody(lines) {
		words := make([]string, len(r.tokens))
		confs := make([]float64, len(r.tokens))
		for i, t := range r.tokens {
			words[i], confs[i] = t.Text, t.Confidence
		}
		p.addRow(&items, makeWordCells(words, confs), -1)
	}
	return items
}

// makeWordCells splits a line into numeric words and runs of text
func makeWordCells(words []string, confs []float64) []cell {
	var cells []cell
	var text []string
	var tc []float64
	flush := func() {
		if len(text) > 0 {
			cells = append(cells, cell{text: strings.Join(text, " "), conf: mean(tc)})
			text, tc = nil, nil
		}
	}
	for i := 0; i < len(words); i++ {
		w := words[i]
		if i+1 < len(words) {
			if q, ok := quantityMarker(w + " " + words[i+1]); ok {
				flush()
				cells = append(cells, cell{text: w + " " + words[i+1], conf: mean(confs[i : i+2]), qty: ptr(q)})
				i++
				continue
			}
		}
		if c, ok := numericCell(w, confs[i]); ok {
			flush()
			cells = append(cells, c)
			continue
		}
		text = append(text, w)
		tc = append(tc, confs[i])
	}
	flush()
	return cells
}
