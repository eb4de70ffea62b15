// Package dedup collapses duplicate pages into groups with one representative.
package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zombor/invoice-ingest/internal/fingerprint"
)

// Config holds the duplicate thresholds
type Config struct {
	PHashMaxDistance    int     `yaml:"phash_max_distance" validate:"gte=0,lte=64"`
	HeaderMinSimilarity float64 `yaml:"header_min_similarity" validate:"gte=0,lte=1"`
	FooterMinSimilarity float64 `yaml:"footer_min_similarity" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		PHashMaxDistance:    8,
		HeaderMinSimilarity: 0.86,
		FooterMinSimilarity: 0.84,
	}
}

// Candidate is one fingerprinted page
type Candidate struct {
	PageID      string
	FileID      string
	Index       int
	UploadedAt  time.Time
	SHA256      string
	Fingerprint fingerprint.Fingerprint
	// Failed marks pages whose fingerprint could not be computed. They are
	// always kept as singletons.
	Failed bool
}

// Group is a set of duplicate pages. Members[0] is the representative.
type Group struct {
	Representative string
	Members        []string
	Rationale      string
}

// Duplicates reports whether the group holds more than one page
func (g Group) Duplicates() bool {
	return len(g.Members) > 1
}

// Engine groups duplicate pages
type Engine struct {
	cfg Config
}

// New creates an Engine
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Match reports whether two pages are duplicates and why
func (e *Engine) Match(a, b Candidate) (bool, string) {
	if a.SHA256 != "" && a.SHA256 == b.SHA256 {
		return true, "identical bytes"
	}
	if a.Failed || b.Failed {
		return false, "fingerprint unavailable"
	}
	dist := fingerprint.Hamming(a.Fingerprint.PHash, b.Fingerprint.PHash)
	header := fingerprint.Similarity(a.Fingerprint.Header, b.Fingerprint.Header)
	footer := fingerprint.Similarity(a.Fingerprint.Footer, b.Fingerprint.Footer)
	reason := fmt.Sprintf("phash distance %d, header %.2f, footer %.2f", dist, header, footer)
	ok := dist <= e.cfg.PHashMaxDistance &&
		header >= e.cfg.HeaderMinSimilarity &&
		footer >= e.cfg.FooterMinSimilarity
	return ok, reason
}

// quality ranks a page as a representative. Unfingerprinted pages rank last.
func quality(c Candidate) int {
	if c.Failed {
		return -1
	}
	return c.Fingerprint.Width * c.Fingerprint.Height
}

// Group partitions candidates into duplicate groups. Every candidate lands in
// exactly one group. The highest resolution page represents it, ties going to
// the earliest (upload time, file, index).
func (e *Engine) Group(candidates []Candidate) []Group {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.UploadedAt.Equal(b.UploadedAt) {
			return a.UploadedAt.Before(b.UploadedAt)
		}
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		return a.Index < b.Index
	})

	uf := NewUnionFind(len(ordered))
	reasons := make(map[int][]string)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			ok, reason := e.Match(ordered[i], ordered[j])
			if !ok {
				continue
			}
			if uf.Union(i, j) {
				reasons[i] = append(reasons[i], fmt.Sprintf("%s~%s: %s", ordered[i].PageID, ordered[j].PageID, reason))
			}
		}
	}

	sets := uf.Sets()
	groups := make([]Group, 0, len(sets))
	for _, set := range sets {
		best := 0
		for k, idx := range set {
			if quality(ordered[idx]) > quality(ordered[set[best]]) {
				best = k
			}
		}
		set = append([]int{set[best]}, append(set[:best:best], set[best+1:]...)...)
		g := Group{Representative: ordered[set[0]].PageID}
		var why []string
		for _, idx := range set {
			g.Members = append(g.Members, ordered[idx].PageID)
			why = append(why, reasons[idx]...)
		}
		if len(why) == 0 {
			g.Rationale = "unique"
		} else {
			g.Rationale = strings.Join(why, "; ")
		}
		groups = append(groups, g)
	}
	return groups
}
