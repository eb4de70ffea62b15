package classify

import (
	"fmt"
	"strings"

	"github.com/zombor/invoice-ingest/internal/document"
)

// SegmentConfig weights the boundary decision between consecutive pages
type SegmentConfig struct {
	HeaderBonus       float64 `yaml:"header_bonus" validate:"gte=0"`
	ClosingBonus      float64 `yaml:"closing_bonus" validate:"gte=0"`
	TypeChangeBonus   float64 `yaml:"type_change_bonus" validate:"gte=0"`
	SupplierChange    float64 `yaml:"supplier_change" validate:"gte=0"`
	ReferenceChange   float64 `yaml:"reference_change" validate:"gte=0"`
	PageOneBonus      float64 `yaml:"page_one_bonus" validate:"gte=0"`
	ContinuityPenalty float64 `yaml:"continuity_penalty" validate:"gte=0"`
	BoundaryThreshold float64 `yaml:"boundary_threshold" validate:"gt=0"`
}

// DefaultSegmentConfig returns the tuned defaults
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		HeaderBonus:       0.4,
		ClosingBonus:      0.3,
		TypeChangeBonus:   0.5,
		SupplierChange:    0.6,
		ReferenceChange:   0.6,
		PageOneBonus:      0.3,
		ContinuityPenalty: 0.4,
		BoundaryThreshold: 0.6,
	}
}

// PageInput is one page of a file in upload order
type PageInput struct {
	PageID   string
	Features Features
	Class    Result
}

// Segment is a run of pages from one file
type Segment struct {
	PageIDs        []string
	PageNumbers    []int
	DocType        string
	Margin         float64
	Supplier       string
	InvoiceNumbers []string
	Dates          []string
	Rationale      string
}

type segState int

const (
	stateIdle segState = iota
	stateOpen
	stateClosing
)

// Segmenter splits a file's pages into segments with a boundary state machine
type Segmenter struct {
	cfg SegmentConfig
}

// NewSegmenter creates a Segmenter
func NewSegmenter(cfg SegmentConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

func vague(docType string) bool {
	return docType == "" || docType == document.TypeOther || docType == document.TypeUnknown
}

// boundary scores how strongly page p starts a new document after cur
func (s *Segmenter) boundary(cur *Segment, last PageInput, state segState, p PageInput) (float64, []string) {
	var score float64
	var why []string
	add := func(v float64, reason string) {
		score += v
		why = append(why, fmt.Sprintf("%s %+.2f", reason, v))
	}

	f := p.Features
	switch {
	case f.HasHeader && f.HasTableStart:
		add(s.cfg.HeaderBonus, "header with table start")
	case f.HasHeader:
		add(s.cfg.HeaderBonus/2, "header")
	}
	if state == stateClosing {
		add(s.cfg.ClosingBonus, "previous page closed")
	}
	if f.Supplier != "" && cur.Supplier != "" && SupplierMatch(f.Supplier, cur.Supplier) == 0 {
		add(s.cfg.SupplierChange, "supplier change")
	}
	if len(f.InvoiceNumbers) > 0 && len(cur.InvoiceNumbers) > 0 && !overlaps(f.InvoiceNumbers, cur.InvoiceNumbers) {
		add(s.cfg.ReferenceChange, "reference change")
	}
	if !vague(p.Class.DocType) && !vague(cur.DocType) && p.Class.DocType != cur.DocType {
		add(s.cfg.TypeChangeBonus, "type change")
	}
	prev := last.Features.PageNumber
	switch {
	case f.PageNumber > 0 && prev > 0 && f.PageNumber == prev+1:
		add(-s.cfg.ContinuityPenalty, "page continues")
	case f.PageNumber == 1 && len(cur.PageIDs) > 0:
		add(s.cfg.PageOneBonus, "page one")
	}
	return score, why
}

// Segment runs the boundary state machine over pages in upload order
func (s *Segmenter) Segment(pages []PageInput) []Segment {
	var (
		out   []Segment
		cur   *Segment
		last  PageInput
		state = stateIdle
	)

	for _, p := range pages {
		if state != stateIdle {
			score, why := s.boundary(cur, last, state, p)
			if score >= s.cfg.BoundaryThreshold {
				cur.Rationale += fmt.Sprintf("; closed before %s (%.2f: %s)", p.PageID, score, strings.Join(why, ", "))
				out = append(out, *cur)
				state = stateIdle
			}
		}
		if state == stateIdle {
			cur = &Segment{
				DocType:   p.Class.DocType,
				Margin:    p.Class.Margin,
				Rationale: fmt.Sprintf("opened at %s", p.PageID),
			}
		}
		s.absorb(cur, p)
		last = p
		if p.Features.HasTotals || p.Features.HasClosing {
			state = stateClosing
		} else {
			state = stateOpen
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func (s *Segmenter) absorb(cur *Segment, p PageInput) {
	cur.PageIDs = append(cur.PageIDs, p.PageID)
	cur.PageNumbers = append(cur.PageNumbers, p.Features.PageNumber)
	if vague(cur.DocType) && !vague(p.Class.DocType) {
		cur.DocType = p.Class.DocType
		cur.Margin = p.Class.Margin
	}
	if cur.Supplier == "" {
		cur.Supplier = p.Features.Supplier
	}
	cur.InvoiceNumbers = appendUnique(cur.InvoiceNumbers, p.Features.InvoiceNumbers...)
	cur.Dates = appendUnique(cur.Dates, p.Features.Dates...)
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
