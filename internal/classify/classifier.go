// Package classify types pages, splits files into document segments and
// stitches segments from different files into logical documents.
package classify

import (
	"regexp"
	"sort"

	"github.com/zombor/invoice-ingest/internal/document"
)

var (
	goodsReceivedRe = regexp.MustCompile(`\b(?:delivery|goods received|pod)\b`)
	paymentRe       = regexp.MustCompile(`\b(?:receipt|payment|transaction|cash|card)\b`)
	meterRe         = regexp.MustCompile(`\b(?:energy|kwh|meter|utility)\b`)
	creditPhraseRe  = regexp.MustCompile(`\bcredit\s+(?:note|memo)\b`)
)

// Config holds the classification thresholds
type Config struct {
	MinScore  float64 `yaml:"min_score" validate:"gte=0,lte=2"`
	MinMargin float64 `yaml:"min_margin" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{MinScore: 0.3, MinMargin: 0.15}
}

// Result is a classification with its evidence
type Result struct {
	DocType    string             `json:"doc_type"`
	Confidence float64            `json:"confidence"`
	Margin     float64            `json:"margin"`
	Scores     map[string]float64 `json:"scores"`
}

// Classifier is a heuristic scorer over page features
type Classifier struct {
	cfg Config
}

// NewClassifier creates a Classifier
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

func keywordScore(hits int) float64 {
	switch {
	case hits >= 2:
		return 0.4
	case hits == 1:
		return 0.2
	}
	return 0
}

// Classify scores each document type and picks the best. Weak evidence is
// "other"; a best score too close to the runner-up is "unknown".
func (c *Classifier) Classify(f Features) Result {
	scores := map[string]float64{
		document.TypeInvoice:      keywordScore(f.Keywords["invoice"]),
		document.TypeDeliveryNote: keywordScore(f.Keywords["delivery_note"]),
		document.TypeReceipt:      keywordScore(f.Keywords["receipt"]),
		document.TypeUtility:      keywordScore(f.Keywords["utility"]),
		document.TypeCreditNote:   keywordScore(f.Keywords["credit_note"]),
	}

	if f.HasCurrency {
		scores[document.TypeInvoice] += 0.2
		scores[document.TypeCreditNote] += 0.1
	}
	if f.HasTotals {
		scores[document.TypeInvoice] += 0.2
		scores[document.TypeCreditNote] += 0.1
	}
	if len(f.InvoiceNumbers) > 0 {
		scores[document.TypeInvoice] += 0.3
	}
	if f.TableDensity > 0.1 {
		scores[document.TypeInvoice] += 0.1
	}
	if goodsReceivedRe.MatchString(f.lower) {
		scores[document.TypeDeliveryNote] += 0.3
	}
	if paymentRe.MatchString(f.lower) {
		scores[document.TypeReceipt] += 0.3
	}
	if f.Elongated {
		scores[document.TypeReceipt] += 0.2
	}
	if meterRe.MatchString(f.lower) {
		scores[document.TypeUtility] += 0.3
	}
	if creditPhraseRe.MatchString(f.lower) {
		scores[document.TypeCreditNote] += 0.8
		scores[document.TypeInvoice] -= 0.3
	}

	type ranked struct {
		docType string
		score   float64
	}
	order := make([]ranked, 0, len(scores))
	for t, s := range scores {
		order = append(order, ranked{t, s})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].docType < order[j].docType
	})

	best, second := order[0], order[1]
	res := Result{
		Scores: scores,
		Margin: best.score - second.score,
	}

	switch {
	case best.score < c.cfg.MinScore:
		res.DocType = document.TypeOther
		res.Confidence = clamp(1 - best.score)
	case res.Margin < c.cfg.MinMargin:
		res.DocType = document.TypeUnknown
		res.Confidence = clamp(res.Margin)
	default:
		res.DocType = best.docType
		conf := 0.5 + 0.5*clamp(res.Margin/0.5)
		if f.TextLength > 100 {
			conf += 0.05
		}
		if f.WordCount > 50 {
			conf += 0.05
		}
		res.Confidence = clamp(conf)
	}
	return res
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
