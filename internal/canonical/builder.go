// Package canonical merges the pages of a stitched document into one
// validated record.
package canonical

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/scanning"
	"github.com/zombor/invoice-ingest/internal/tables"
	"github.com/zombor/invoice-ingest/internal/validate"
)

// Page is one page of the document in reading order with its OCR tokens.
// Tokens is nil when OCR produced nothing.
type Page struct {
	ID     string
	Tokens *scanning.TokenSet
}

// Input describes one stitch group or stand-alone segment
type Input struct {
	ID             string
	DocType        string
	SegmentIDs     []string
	StitchGroupID  string
	Pages          []Page
	Supplier       string
	InvoiceNumbers []string
	Dates          []string
	// NeedsReview carries an ambiguous stitch decision through to the record
	NeedsReview bool
	Rationale   string
}

// Result is a built record with the evidence behind its status
type Result struct {
	Canonical document.Canonical
	Status    document.Status
	Reason    string
	Report    validate.Report
	Gate      validate.Gate
	Tables    []tables.Result
	Text      string
}

// Builder turns page tokens into canonical records
type Builder struct {
	parser    *tables.Parser
	scorer    *validate.Scorer
	validator *validate.Validator
}

// NewBuilder creates a Builder
func NewBuilder(tablesCfg tables.Config, validateCfg validate.Config) *Builder {
	return &Builder{
		parser:    tables.NewParser(tablesCfg),
		scorer:    validate.NewScorer(validateCfg),
		validator: validate.NewValidator(validateCfg),
	}
}

// Build merges the input pages into a canonical record and decides its
// status. The same input always gives the same record; timestamps and the
// version are left to the caller.
func (b *Builder) Build(in Input) Result {
	res := Result{}
	c := document.Canonical{
		ID:               in.ID,
		DocType:          in.DocType,
		SourceSegmentIDs: append([]string(nil), in.SegmentIDs...),
		StitchGroupID:    in.StitchGroupID,
		FieldConfidence:  map[string]float64{},
		LineItems:        []document.LineItem{},
		Warnings:         []string{},
	}
	if c.DocType == "" {
		c.DocType = document.TypeUnknown
	}

	var (
		texts   []string
		confSum float64
		read    int
	)
	for _, p := range in.Pages {
		c.SourcePageIDs = append(c.SourcePageIDs, p.ID)
		if p.Tokens == nil || (len(p.Tokens.Tokens) == 0 && strings.TrimSpace(p.Tokens.Text) == "") {
			reason := "no text"
			if p.Tokens != nil && p.Tokens.Reason != "" {
				reason = p.Tokens.Reason
			}
			c.Warnings = append(c.Warnings, fmt.Sprintf("page %s: OCR failed: %s", p.ID, reason))
			continue
		}
		texts = append(texts, p.Tokens.Text)
		confSum += p.Tokens.Confidence
		read++
	}
	res.Text = strings.Join(texts, "\n")
	ocr := 0.0
	if read > 0 {
		ocr = confSum / float64(read)
	}

	h := readHeader(res.Text, in)
	c.Supplier = h.Supplier
	c.InvoiceNumber = h.InvoiceNumber
	c.Date = h.Date
	c.Currency = h.Currency
	c.Subtotal, c.VAT, c.Total = h.Subtotal, h.VAT, h.Total

	var parseReason string
	for _, p := range in.Pages {
		if p.Tokens == nil || len(p.Tokens.Tokens) == 0 {
			continue
		}
		t := b.parser.Parse(p.Tokens)
		res.Tables = append(res.Tables, t)
		c.LineItems = append(c.LineItems, t.Items...)
		for _, w := range t.Warnings {
			c.Warnings = append(c.Warnings, fmt.Sprintf("page %s: %s", p.ID, w))
		}
		if t.Reason != "" {
			parseReason = t.Reason
		}
	}
	if len(c.LineItems) == 0 && parseReason != "" && financial(c.DocType) {
		c.Warnings = append(c.Warnings, parseReason)
	}

	rec := tables.Reconcile(c.LineItems, tables.Header{Subtotal: h.Subtotal, Total: h.Total}, res.Text)

	inv := validate.Invoice{
		Supplier:      h.Supplier,
		InvoiceNumber: h.InvoiceNumber,
		Date:          h.Date,
		Subtotal:      h.Subtotal,
		VAT:           h.VAT,
		VATRate:       h.VATRate,
		Total:         h.Total,
		Items:         c.LineItems,
	}
	res.Report = b.validator.Validate(inv, ocr, res.Text)
	// a recovered subtotal explains the mismatch; otherwise the validator
	// already says it
	switch {
	case rec.Recovered != nil:
		c.Warnings = append(c.Warnings, rec.Warning)
	case rec.Warning != "" && !res.Report.HasIssue(validate.IssueSubtotalMismatch):
		c.Warnings = append(c.Warnings, rec.Warning)
	}
	for _, i := range res.Report.Issues {
		if i.Code == validate.IssueSubtotalMismatch && rec.Recovered != nil {
			continue
		}
		c.Warnings = append(c.Warnings, i.Message)
	}

	c.Breakdown = b.scorer.Score(inv, ocr, res.Text)
	c.Confidence = c.Breakdown.Overall
	c.FieldConfidence = fieldConfidence(h, ocr)
	c.FieldConfidence["line_items"] = itemConfidence(c.LineItems)
	if corr := res.Report.Corrections; corr.Total != nil {
		c.FieldConfidence["total"] = round3(c.FieldConfidence["total"] * 0.5)
	}

	res.Gate = b.scorer.Gate(inv, res.Text)
	for _, i := range res.Report.Issues {
		if i.Critical {
			res.Gate.Force(i.Message)
		}
	}
	if rec.Gross {
		res.Gate.Force(rec.Warning)
	}
	if in.NeedsReview {
		res.Gate.Force("ambiguous stitch: " + in.Rationale)
	}
	if c.DocType == document.TypeUnknown || c.DocType == document.TypeOther {
		res.Gate.Force(fmt.Sprintf("document type %s needs manual classification", c.DocType))
	}

	res.Status, res.Reason = validate.Decide(c.Breakdown, res.Gate, len(in.Pages) == 0)
	res.Canonical = c

	slog.Debug("built canonical record",
		"id", c.ID,
		"doc_type", c.DocType,
		"pages", len(c.SourcePageIDs),
		"items", len(c.LineItems),
		"confidence", c.Confidence,
		"status", res.Status,
	)
	return res
}

// financial reports whether the doc type is expected to carry line items
func financial(docType string) bool {
	switch docType {
	case document.TypeInvoice, document.TypeCreditNote, document.TypeReceipt:
		return true
	}
	return false
}

func itemConfidence(items []document.LineItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Confidence
	}
	return round3(sum / float64(len(items)))
}

// Record is the downstream view of a canonical record
type Record struct {
	ID               string              `json:"id"`
	DocType          string              `json:"doc_type"`
	Supplier         string              `json:"supplier"`
	Date             string              `json:"date,omitempty"`
	Currency         string              `json:"currency"`
	Subtotal         *decimal.Decimal    `json:"subtotal"`
	VAT              *decimal.Decimal    `json:"vat"`
	Total            *decimal.Decimal    `json:"total"`
	Confidence       float64             `json:"confidence"`
	FieldConfidence  map[string]float64  `json:"field_confidence"`
	LineItems        []document.LineItem `json:"line_items"`
	Warnings         []string            `json:"warnings"`
	SourceSegmentIDs []string            `json:"source_segment_ids"`
	SourcePageIDs    []string            `json:"source_page_ids"`
	Status           document.Status     `json:"status"`
}

// ToRecord projects a canonical record onto the downstream contract
func ToRecord(c document.Canonical) Record {
	return Record{
		ID:               c.ID,
		DocType:          c.DocType,
		Supplier:         c.Supplier,
		Date:             c.Date,
		Currency:         c.Currency,
		Subtotal:         c.Subtotal,
		VAT:              c.VAT,
		Total:            c.Total,
		Confidence:       c.Confidence,
		FieldConfidence:  c.FieldConfidence,
		LineItems:        c.LineItems,
		Warnings:         c.Warnings,
		SourceSegmentIDs: c.SourceSegmentIDs,
		SourcePageIDs:    c.SourcePageIDs,
		Status:           c.Status,
	}
}
