package validate

import (
	"fmt"
	"strings"

	"github.com/zombor/invoice-ingest/internal/document"
)

// Gate is the minimum-viable-parse check. A document that fails it is never
// marked ready, whatever its score.
type Gate struct {
	Review  bool     `json:"review"`
	NoText  bool     `json:"no_text"`
	Reasons []string `json:"reasons,omitempty"`
}

// Force adds a reason that sends the document to review
func (g *Gate) Force(reason string) {
	g.Review = true
	g.Reasons = append(g.Reasons, reason)
}

// Gate checks the text length and whether anything useful was extracted
func (s *Scorer) Gate(inv Invoice, text string) Gate {
	var g Gate
	chars := len([]rune(strings.TrimSpace(text)))
	if chars == 0 {
		g.NoText = true
	}
	if chars < s.cfg.MinTextChars {
		g.Force(fmt.Sprintf("only %d characters of text extracted", chars))
	}
	if !inv.SupplierKnown() && inv.totalValue() == 0 && len(inv.Items) == 0 {
		g.Force("no supplier, total or line items extracted")
	}
	return g
}

// Decide maps a breakdown and gate to a final status with a reason
func Decide(b document.ConfidenceBreakdown, g Gate, hardError bool) (document.Status, string) {
	switch {
	case hardError:
		return document.StatusError, "extraction failed"
	case b.Band == BandCritical && g.NoText:
		return document.StatusError, "no text extracted"
	case g.Review:
		return document.StatusNeedsReview, strings.Join(g.Reasons, "; ")
	case b.Band == BandHigh:
		return document.StatusReady, ""
	case b.PrimaryIssue != "":
		return document.StatusNeedsReview, b.PrimaryIssue
	default:
		return document.StatusNeedsReview, fmt.Sprintf("%s confidence", b.Band)
	}
}
