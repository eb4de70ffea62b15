package classify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zombor/invoice-ingest/internal/dedup"
	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/fingerprint"
)

// StitchConfig weights the signals that join segments across files
type StitchConfig struct {
	Threshold       float64       `yaml:"threshold" validate:"gt=0,lte=1"`
	MaxGroupSize    int           `yaml:"max_group_size" validate:"gte=1"`
	InvoiceNumber   float64       `yaml:"invoice_number" validate:"gte=0"`
	Date            float64       `yaml:"date" validate:"gte=0"`
	SupplierExact   float64       `yaml:"supplier_exact" validate:"gte=0"`
	SupplierFuzzy   float64       `yaml:"supplier_fuzzy" validate:"gte=0"`
	HeaderLayout    float64       `yaml:"header_layout" validate:"gte=0"`
	FooterLayout    float64       `yaml:"footer_layout" validate:"gte=0"`
	UploadProximity float64       `yaml:"upload_proximity" validate:"gte=0"`
	SameType        float64       `yaml:"same_type" validate:"gte=0"`
	HeaderMinSim    float64       `yaml:"header_min_similarity" validate:"gte=0,lte=1"`
	FooterMinSim    float64       `yaml:"footer_min_similarity" validate:"gte=0,lte=1"`
	UploadWindow    time.Duration `yaml:"upload_window"`
}

// DefaultStitchConfig returns the tuned defaults
func DefaultStitchConfig() StitchConfig {
	return StitchConfig{
		Threshold:       0.72,
		MaxGroupSize:    10,
		InvoiceNumber:   0.4,
		Date:            0.2,
		SupplierExact:   0.3,
		SupplierFuzzy:   0.2,
		HeaderLayout:    0.2,
		FooterLayout:    0.2,
		UploadProximity: 0.1,
		SameType:        0.1,
		HeaderMinSim:    0.86,
		FooterMinSim:    0.84,
		UploadWindow:    time.Hour,
	}
}

// StitchCandidate is a segment offered for cross-file stitching
type StitchCandidate struct {
	SegmentID      string
	FileID         string
	DocType        string
	Supplier       string
	InvoiceNumbers []string
	Dates          []string
	// Header and Footer are the layout signatures of the first and last page
	Header    uint64
	Footer    uint64
	HasLayout bool
	// HeaderText and FooterText are simhashes of the first page's opening
	// lines and the last page's closing lines
	HeaderText uint64
	FooterText uint64
	HasText    bool
	UploadedAt time.Time
	PageIDs    []string
	// PageNumbers holds the printed page number of each page, zero if absent
	PageNumbers []int
}

// StitchGroup is a set of segments judged to be one source document
type StitchGroup struct {
	SegmentIDs  []string
	PageIDs     []string
	DocType     string
	Score       float64
	Rationale   string
	NeedsReview bool
}

// Stitcher joins segments from different files
type Stitcher struct {
	cfg StitchConfig
}

// NewStitcher creates a Stitcher
func NewStitcher(cfg StitchConfig) *Stitcher {
	return &Stitcher{cfg: cfg}
}

// Score rates how likely two segments belong to one document, capped at 1
func (s *Stitcher) Score(a, b StitchCandidate) (float64, []string) {
	var score float64
	var why []string
	add := func(v float64, reason string) {
		score += v
		why = append(why, fmt.Sprintf("%s +%.2f", reason, v))
	}

	if shared := common(a.InvoiceNumbers, b.InvoiceNumbers); shared != "" {
		add(s.cfg.InvoiceNumber, "invoice number "+shared)
	}
	if shared := common(a.Dates, b.Dates); shared != "" {
		add(s.cfg.Date, "date "+shared)
	}
	switch SupplierMatch(a.Supplier, b.Supplier) {
	case 1:
		add(s.cfg.SupplierExact, "supplier")
	case 0.5:
		add(s.cfg.SupplierFuzzy, "supplier (fuzzy)")
	}
	layout := a.HasLayout && b.HasLayout
	text := a.HasText && b.HasText
	switch {
	case layout && fingerprint.Similarity(a.Header, b.Header) >= s.cfg.HeaderMinSim:
		add(s.cfg.HeaderLayout, "header layout")
	case text && fingerprint.Similarity(a.HeaderText, b.HeaderText) >= s.cfg.HeaderMinSim:
		add(s.cfg.HeaderLayout, "header text")
	}
	switch {
	case layout && fingerprint.Similarity(a.Footer, b.Footer) >= s.cfg.FooterMinSim:
		add(s.cfg.FooterLayout, "footer layout")
	case text && fingerprint.Similarity(a.FooterText, b.FooterText) >= s.cfg.FooterMinSim:
		add(s.cfg.FooterLayout, "footer text")
	}
	gap := a.UploadedAt.Sub(b.UploadedAt)
	if gap < 0 {
		gap = -gap
	}
	if !a.UploadedAt.IsZero() && !b.UploadedAt.IsZero() && gap <= s.cfg.UploadWindow {
		add(s.cfg.UploadProximity, "uploaded together")
	}
	if a.DocType == b.DocType && !vague(a.DocType) {
		add(s.cfg.SameType, "same type")
	}
	if score > 1 {
		score = 1
	}
	return score, why
}

type scoredPair struct {
	i, j  int
	score float64
	why   []string
}

// Stitch unions cross-file segment pairs scoring at or above the threshold.
// Higher scores merge first and no group grows past the size limit. Every
// candidate ends up in exactly one group.
func (s *Stitcher) Stitch(cands []StitchCandidate) []StitchGroup {
	var pairs []scoredPair
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[i].FileID == cands[j].FileID {
				continue
			}
			score, why := s.Score(cands[i], cands[j])
			if score >= s.cfg.Threshold {
				pairs = append(pairs, scoredPair{i, j, score, why})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].score > pairs[b].score })

	uf := dedup.NewUnionFind(len(cands))
	best := make(map[int]float64)
	notes := make(map[int][]string)
	for _, p := range pairs {
		ri, rj := uf.Find(p.i), uf.Find(p.j)
		if ri == rj || uf.Size(ri)+uf.Size(rj) > s.cfg.MaxGroupSize {
			continue
		}
		uf.Union(p.i, p.j)
		root := uf.Find(p.i)
		best[root] = maxf(maxf(best[ri], best[rj]), p.score)
		notes[root] = append(append(append([]string(nil), notes[ri]...), notes[rj]...),
			fmt.Sprintf("%s+%s %.2f (%s)", cands[p.i].SegmentID, cands[p.j].SegmentID, p.score, strings.Join(p.why, ", ")))
	}

	var groups []StitchGroup
	for _, set := range uf.Sets() {
		members := make([]StitchCandidate, 0, len(set))
		for _, idx := range set {
			members = append(members, cands[idx])
		}
		root := uf.Find(set[0])
		g := StitchGroup{
			DocType: groupType(members),
			Score:   best[root],
		}
		for _, m := range members {
			g.SegmentIDs = append(g.SegmentIDs, m.SegmentID)
		}
		g.PageIDs = orderPages(members)
		if len(set) == 1 {
			g.Rationale = "no cross-file match"
		} else {
			g.Rationale = strings.Join(notes[root], "; ")
		}
		g.NeedsReview = vague(g.DocType)
		groups = append(groups, g)
	}
	return groups
}

// groupType is the most common definite type; vague when there is none
func groupType(members []StitchCandidate) string {
	counts := map[string]int{}
	for _, m := range members {
		if !vague(m.DocType) {
			counts[m.DocType]++
		}
	}
	bestType, bestN := "", 0
	for t, n := range counts {
		if n > bestN || (n == bestN && t < bestType) {
			bestType, bestN = t, n
		}
	}
	if bestType != "" {
		return bestType
	}
	for _, m := range members {
		if m.DocType == document.TypeUnknown {
			return document.TypeUnknown
		}
	}
	return document.TypeOther
}

// orderPages sorts by printed page number when every page carries a distinct
// one, otherwise keeps upload order.
func orderPages(members []StitchCandidate) []string {
	sorted := append([]StitchCandidate(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UploadedAt.Before(sorted[j].UploadedAt) })

	type page struct {
		id  string
		num int
	}
	var pages []page
	seen := map[int]bool{}
	numbered := true
	for _, m := range sorted {
		for i, id := range m.PageIDs {
			n := 0
			if i < len(m.PageNumbers) {
				n = m.PageNumbers[i]
			}
			if n == 0 || seen[n] {
				numbered = false
			}
			seen[n] = true
			pages = append(pages, page{id, n})
		}
	}
	if numbered {
		sort.SliceStable(pages, func(i, j int) bool { return pages[i].num < pages[j].num })
	}
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.id)
	}
	return ids
}

func common(a, b []string) string {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return x
			}
		}
	}
	return ""
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
