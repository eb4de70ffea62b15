package document

import (
	"time"

	"github.com/shopspring/decimal"
)

// Doc types produced by classification
const (
	TypeInvoice      = "invoice"
	TypeDeliveryNote = "delivery_note"
	TypeReceipt      = "receipt"
	TypeUtility      = "utility"
	TypeCreditNote   = "credit_note"
	TypeOther        = "other"
	TypeUnknown      = "unknown"
)

// Group kinds
const (
	GroupDuplicate = "duplicate"
	GroupStitch    = "stitch"
)

// Line item value provenance
const (
	ProvenanceExtracted = "extracted"
	ProvenanceComputed  = "computed"
)

// File is one uploaded source file
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"` // hex sha256 of the uploaded bytes
	PageIDs     []string  `json:"page_ids"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Page is one rasterized image of a file. Only the fingerprint and OCR
// annotations change after intake.
type Page struct {
	ID         string  `json:"id"`
	FileID     string  `json:"file_id"`
	Index      int     `json:"index"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ImageKey   string  `json:"image_key"`
	PHash      uint64  `json:"phash"`
	HeaderSig  uint64  `json:"header_sig"`
	FooterSig  uint64  `json:"footer_sig"`
	SHA256     string  `json:"sha256,omitempty"`
	FingerErr  string  `json:"fingerprint_error,omitempty"`
	Text       string  `json:"text,omitempty"`
	OCRConf    float64 `json:"ocr_confidence"`
	OCRAttempt string  `json:"ocr_attempt,omitempty"`
	OCRReason  string  `json:"ocr_reason,omitempty"`
	SegmentID  string  `json:"segment_id,omitempty"`
}

// Fingerprinted reports whether the page has usable hashes
func (p *Page) Fingerprinted() bool {
	return p.FingerErr == ""
}

// Segment is a contiguous run of pages judged to be one logical document
type Segment struct {
	ID             string    `json:"id"`
	FileID         string    `json:"file_id"`
	PageIDs        []string  `json:"page_ids"`
	DocType        string    `json:"doc_type"`
	Margin         float64   `json:"margin"`
	Supplier       string    `json:"supplier,omitempty"`
	InvoiceNumbers []string  `json:"invoice_numbers,omitempty"`
	Dates          []string  `json:"dates,omitempty"`
	Status         Status    `json:"status"`
	StitchGroupID  string    `json:"stitch_group_id,omitempty"`
	Absorbed       bool      `json:"absorbed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Group is either a set of duplicate pages or a set of stitched segments
type Group struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Representative string    `json:"representative,omitempty"`
	MemberIDs      []string  `json:"member_ids"`
	Score          float64   `json:"score"`
	Rationale      string    `json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership links a page or segment to a group without embedding back-references
type Membership struct {
	MemberID string `json:"member_id"`
	GroupID  string `json:"group_id"`
	Kind     string `json:"kind"`
}

// LineItem is one row of an invoice table. Every value is nullable.
type LineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	Total       *decimal.Decimal `json:"total"`
	QuantitySrc string           `json:"quantity_source,omitempty"`
	TotalSrc    string           `json:"total_source,omitempty"`
	Confidence  float64          `json:"confidence"`
}

// ConfidenceBreakdown explains an aggregate confidence score
type ConfidenceBreakdown struct {
	OCR           float64  `json:"ocr"`
	Extraction    float64  `json:"extraction"`
	Validation    float64  `json:"validation"`
	Overall       float64  `json:"overall"`
	Band          string   `json:"band"`
	PrimaryIssue  string   `json:"primary_issue,omitempty"`
	Hints         []string `json:"hints,omitempty"`
	FixableFields []string `json:"fixable_fields,omitempty"`
	Action        string   `json:"action"`
	Priority      string   `json:"priority,omitempty"`
}

// Canonical is the merged, validated record for one real-world document
type Canonical struct {
	ID               string              `json:"id"`
	DocType          string              `json:"doc_type"`
	Supplier         string              `json:"supplier"`
	InvoiceNumber    string              `json:"invoice_number,omitempty"`
	Date             string              `json:"date,omitempty"`
	Currency         string              `json:"currency"`
	Subtotal         *decimal.Decimal    `json:"subtotal"`
	VAT              *decimal.Decimal    `json:"vat"`
	Total            *decimal.Decimal    `json:"total"`
	Confidence       float64             `json:"confidence"`
	FieldConfidence  map[string]float64  `json:"field_confidence"`
	Breakdown        ConfidenceBreakdown `json:"breakdown"`
	LineItems        []LineItem          `json:"line_items"`
	Warnings         []string            `json:"warnings"`
	SourceSegmentIDs []string            `json:"source_segment_ids"`
	SourcePageIDs    []string            `json:"source_page_ids"`
	StitchGroupID    string              `json:"stitch_group_id,omitempty"`
	Status           Status              `json:"status"`
	StatusReason     string              `json:"status_reason,omitempty"`
	Version          int                 `json:"version"`
	StartedAt        time.Time           `json:"processing_started_at"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}
