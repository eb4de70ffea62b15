package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-ingest/internal/document"
)

// Retry moves a terminal record back to processing and re-runs OCR through
// build for its source pages in the background. A record that is already
// processing, or that another retry moved first, returns ErrConflict.
func (s *Service) Retry(ctx context.Context, id string) (*document.Canonical, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.db.GetCanonical(id)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	if !c.Status.Terminal() {
		return nil, fmt.Errorf("document %s is %s: %w", id, c.Status, ErrConflict)
	}

	now := s.timeSource.Now()
	updated, err := s.db.UpdateCanonical(id, c.Version, func(c *document.Canonical) error {
		if err := c.Transition(document.StatusProcessing, "retry", true); err != nil {
			return err
		}
		c.StartedAt = now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrying document %s: %w", id, err)
	}
	slog.Info("Retrying document", "document_id", id, "version", updated.Version)
	segs := s.loadSegments(updated.SourceSegmentIDs, now)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reprocess(s.ctx, updated, segs)
	}()
	return updated, nil
}

// reprocess rebuilds a record from its stored page images. A reviewer asked
// for the retry, so the stitch decision is not questioned again.
func (s *Service) reprocess(ctx context.Context, c *document.Canonical, segs []*document.Segment) {
	log := slog.With("document_id", c.ID, "version", c.Version)

	err := guard(func() error {
		pages := make([]*document.Page, 0, len(c.SourcePageIDs))
		for _, id := range c.SourcePageIDs {
			p, err := s.db.GetPage(id)
			if err != nil {
				return fmt.Errorf("loading page %s: %w", id, err)
			}
			pages = append(pages, p)
		}

		tokens, err := s.ocrPages(ctx, pages)
		if err != nil {
			return err
		}
		for _, p := range pages {
			annotate(p, tokens[p.ID])
		}
		if err := s.db.SavePages(pages); err != nil {
			return fmt.Errorf("saving pages: %w", err)
		}

		updated, err := s.finalize(c.ID, c.Version, s.stages.Builder.Build(buildInput(c, segs, tokens)))
		if err != nil {
			return err
		}
		log.Info("Document rebuilt", "status", updated.Status, "confidence", updated.Confidence)
		s.settleSegments(segs, updated.Status)
		return nil
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		log.Error("Retry failed", "error", err)
		s.failCanonical(c.ID, c.Version, "internal error during retry")
		s.settleSegments(segs, document.StatusError)
	}
}

// loadSegments reopens the segments of a record for processing
func (s *Service) loadSegments(ids []string, at time.Time) []*document.Segment {
	segs := make([]*document.Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := s.db.GetSegment(id)
		if err != nil {
			slog.Warn("Segment missing", "segment_id", id, "error", err)
			continue
		}
		if seg.Transition(document.StatusProcessing, true) == nil {
			seg.UpdatedAt = at
		}
		segs = append(segs, seg)
	}
	if err := s.db.SaveSegments(segs); err != nil {
		slog.Error("Saving segments", "error", err)
	}
	return segs
}
