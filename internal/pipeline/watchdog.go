package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-ingest/internal/document"
)

// StartWatchdog sweeps for stuck work every watchdog interval until Close
func (s *Service) StartWatchdog() {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		ticker := time.NewTicker(s.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep force-fails records and files that have been processing, or files
// that have sat queued, longer than the job ceiling and returns how many it
// failed. A late result for a failed
// record no longer matches its version and is dropped.
func (s *Service) Sweep() int {
	now := s.timeSource.Now()
	reason := fmt.Sprintf("timeout: processing exceeded %s", s.cfg.JobCeiling)
	failed := 0

	docs, err := s.db.ListCanonical()
	if err != nil {
		slog.Error("Watchdog listing documents", "error", err)
	}
	for _, c := range docs {
		if c.Status != document.StatusProcessing || now.Sub(c.StartedAt) <= s.cfg.JobCeiling {
			continue
		}
		_, err := s.db.UpdateCanonical(c.ID, c.Version, func(c *document.Canonical) error {
			c.UpdatedAt = now
			return c.Transition(document.StatusError, reason, false)
		})
		if err != nil {
			if !errors.Is(err, ErrConflict) {
				slog.Error("Watchdog failing document", "document_id", c.ID, "error", err)
			}
			continue
		}
		slog.Warn("Watchdog failed document", "document_id", c.ID, "started_at", c.StartedAt, "ceiling", s.cfg.JobCeiling)
		s.metrics.Failed()
		failed++

		var segs []*document.Segment
		for _, id := range c.SourceSegmentIDs {
			if seg, err := s.db.GetSegment(id); err == nil {
				segs = append(segs, seg)
			}
		}
		s.settleSegments(segs, document.StatusError)
	}

	files, err := s.db.ListFiles()
	if err != nil {
		slog.Error("Watchdog listing files", "error", err)
	}
	for _, f := range files {
		if now.Sub(f.UpdatedAt) <= s.cfg.JobCeiling {
			continue
		}
		switch f.Status {
		case document.StatusProcessing:
			f.Reason = reason
		case document.StatusQueued:
			f.Reason = fmt.Sprintf("timeout: queued longer than %s", s.cfg.JobCeiling)
		default:
			continue
		}
		f.Status = document.StatusError
		f.UpdatedAt = now
		if err := s.db.SaveFile(f); err != nil {
			slog.Error("Watchdog failing file", "file_id", f.ID, "error", err)
			continue
		}
		slog.Warn("Watchdog failed file", "file_id", f.ID, "batch_id", f.BatchID, "reason", f.Reason)
		s.metrics.Failed()
		failed++
	}
	return failed
}
