package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-ingest/internal/canonical"
	"github.com/zombor/invoice-ingest/internal/classify"
	"github.com/zombor/invoice-ingest/internal/dedup"
	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/fingerprint"
	"github.com/zombor/invoice-ingest/internal/scanning"
)

// fileTask is the per-file state of a batch. Only the goroutine running the
// file's stage touches it until the stage barrier.
type fileTask struct {
	file     *document.File
	pages    []*document.Page
	segments []*document.Segment
	cands    []classify.StitchCandidate
	failed   bool
}

type batch struct {
	id    string
	log   *slog.Logger
	files []*fileTask

	// rep maps every page to its duplicate group representative
	rep   map[string]string
	pages map[string]*document.Page

	mu     sync.Mutex
	tokens map[string]*scanning.TokenSet
}

func (b *batch) live() []*fileTask {
	out := make([]*fileTask, 0, len(b.files))
	for _, t := range b.files {
		if !t.failed {
			out = append(out, t)
		}
	}
	return out
}

// representative reports whether a page is read for itself
func (b *batch) representative(pageID string) bool {
	rep, ok := b.rep[pageID]
	return !ok || rep == pageID
}

func (b *batch) addTokens(tokens map[string]*scanning.TokenSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ts := range tokens {
		b.tokens[id] = ts
	}
}

// guard turns a panic into an error so one bad document cannot take the
// worker down
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// processBatch runs every stage over the files of one batch. Dedup and
// stitching wait for all files to finish the stage before.
func (s *Service) processBatch(ctx context.Context, batchID string, fileIDs []string) {
	b := &batch{
		id:     batchID,
		log:    slog.With("batch_id", batchID),
		pages:  map[string]*document.Page{},
		tokens: map[string]*scanning.TokenSet{},
	}
	b.log.Info("Processing batch", "files", len(fileIDs))

	for _, id := range fileIDs {
		file, err := s.db.GetFile(id)
		if err != nil {
			b.log.Error("Loading file", "file_id", id, "error", err)
			continue
		}
		if !document.CanTransition(file.Status, document.StatusProcessing, false) {
			b.log.Warn("Skipping file", "file_id", id, "status", file.Status)
			continue
		}
		file.Status = document.StatusProcessing
		file.BatchID = batchID
		file.UpdatedAt = s.timeSource.Now()
		if err := s.db.SaveFile(file); err != nil {
			b.log.Error("Saving file", "file_id", id, "error", err)
			continue
		}
		b.files = append(b.files, &fileTask{file: file})
	}

	err := guard(func() error {
		s.eachFile(ctx, b, "fingerprinting", s.fingerprintFile)
		s.dedupBatch(b)
		s.eachFile(ctx, b, "extraction", func(ctx context.Context, t *fileTask) error {
			return s.extractFile(ctx, b, t)
		})
		s.copyDuplicates(b)
		s.stitchBatch(b)
		s.finishFiles(b)
		return nil
	})
	if err != nil {
		b.log.Error("Batch failed", "error", err)
		for _, t := range b.files {
			s.failFile(b, t, "internal error while processing batch")
		}
	}
	b.log.Info("Batch done", "files", len(b.files))
}

// eachFile runs one stage for every live file and waits for all of them
func (s *Service) eachFile(ctx context.Context, b *batch, stage string, fn func(context.Context, *fileTask) error) {
	var g errgroup.Group
	for _, t := range b.live() {
		g.Go(func() error {
			err := guard(func() error { return fn(ctx, t) })
			if err == nil {
				return nil
			}
			b.log.Error("File failed", "file_id", t.file.ID, "stage", stage, "error", err)
			reason := "internal error during " + stage
			if errors.Is(err, ErrStructural) {
				reason = err.Error()
			}
			s.failFile(b, t, reason)
			return nil
		})
	}
	g.Wait()
}

func (s *Service) fingerprintFile(ctx context.Context, t *fileTask) error {
	pages, err := s.db.ListPages(t.file.ID)
	if err != nil {
		return fmt.Errorf("listing pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("%w: file has no pages", ErrStructural)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FingerprintFanout)
	for _, p := range pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := s.storage.Get(p.ImageKey)
			if err != nil {
				p.FingerErr = err.Error()
				return nil
			}
			p.SHA256 = fingerprint.ContentHash(data)
			fp, err := fingerprint.ComputeBytes(data)
			if err != nil {
				p.FingerErr = err.Error()
				return nil
			}
			p.PHash, p.HeaderSig, p.FooterSig = fp.PHash, fp.Header, fp.Footer
			p.FingerErr = ""
			if p.Width == 0 {
				p.Width, p.Height = fp.Width, fp.Height
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fingerprinting pages: %w", err)
	}

	t.pages = pages
	if err := s.db.SavePages(pages); err != nil {
		return fmt.Errorf("saving fingerprints: %w", err)
	}
	return nil
}

// dedupBatch groups duplicate pages across every file of the batch
func (s *Service) dedupBatch(b *batch) {
	var cands []dedup.Candidate
	for _, t := range b.live() {
		for _, p := range t.pages {
			b.pages[p.ID] = p
			cands = append(cands, dedup.Candidate{
				PageID:     p.ID,
				FileID:     p.FileID,
				Index:      p.Index,
				UploadedAt: t.file.UploadedAt,
				SHA256:     p.SHA256,
				Fingerprint: fingerprint.Fingerprint{
					PHash:  p.PHash,
					Header: p.HeaderSig,
					Footer: p.FooterSig,
					Width:  p.Width,
					Height: p.Height,
				},
				Failed: !p.Fingerprinted(),
			})
		}
	}

	var groups []dedup.Group
	if err := guard(func() error {
		groups = s.stages.Dedup.Group(cands)
		return nil
	}); err != nil {
		// every page is read on its own
		b.log.Error("Dedup failed", "error", err)
		return
	}

	now := s.timeSource.Now()
	b.rep = make(map[string]string, len(cands))
	var records []*document.Group
	var members []document.Membership
	for _, g := range groups {
		for _, m := range g.Members {
			b.rep[m] = g.Representative
		}
		if !g.Duplicates() {
			continue
		}
		rec := &document.Group{
			ID:             s.idGenerator.Generate(),
			Kind:           document.GroupDuplicate,
			Representative: g.Representative,
			MemberIDs:      g.Members,
			Score:          1,
			Rationale:      g.Rationale,
			CreatedAt:      now,
		}
		records = append(records, rec)
		for _, m := range g.Members {
			members = append(members, document.Membership{MemberID: m, GroupID: rec.ID, Kind: rec.Kind})
		}
		s.saveArtifact(GroupArtifactKey(rec.ID), rec)
		b.log.Info("Duplicate pages", "group_id", rec.ID, "representative", g.Representative, "members", len(g.Members), "rationale", g.Rationale)
	}

	if err := s.db.SaveGroups(records); err != nil {
		b.log.Error("Saving duplicate groups", "error", err)
	}
	if err := s.db.SaveMemberships(members); err != nil {
		b.log.Error("Saving duplicate memberships", "error", err)
	}
}

// extractFile reads the representative pages of a file and splits it into
// segments
func (s *Service) extractFile(ctx context.Context, b *batch, t *fileTask) error {
	var reps []*document.Page
	for _, p := range t.pages {
		if b.representative(p.ID) {
			reps = append(reps, p)
		}
	}

	tokens, err := s.ocrPages(ctx, reps)
	if err != nil {
		return err
	}
	b.addTokens(tokens)

	inputs := make([]classify.PageInput, 0, len(reps))
	byID := make(map[string]*document.Page, len(reps))
	for _, p := range reps {
		annotate(p, tokens[p.ID])
		byID[p.ID] = p
		f := classify.ExtractFeatures(p.Text, p.Width, p.Height)
		inputs = append(inputs, classify.PageInput{PageID: p.ID, Features: f, Class: s.stages.Classifier.Classify(f)})
	}

	now := s.timeSource.Now()
	for _, sg := range s.stages.Segmenter.Segment(inputs) {
		if len(sg.PageIDs) == 0 {
			continue
		}
		seg := &document.Segment{
			ID:             s.idGenerator.Generate(),
			FileID:         t.file.ID,
			PageIDs:        sg.PageIDs,
			DocType:        sg.DocType,
			Margin:         sg.Margin,
			Supplier:       sg.Supplier,
			InvoiceNumbers: sg.InvoiceNumbers,
			Dates:          sg.Dates,
			Status:         document.StatusQueued,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := seg.Transition(document.StatusProcessing, false); err != nil {
			return err
		}
		for _, id := range sg.PageIDs {
			byID[id].SegmentID = seg.ID
		}
		first, last := byID[sg.PageIDs[0]], byID[sg.PageIDs[len(sg.PageIDs)-1]]
		t.segments = append(t.segments, seg)
		t.cands = append(t.cands, classify.StitchCandidate{
			SegmentID:      seg.ID,
			FileID:         t.file.ID,
			DocType:        sg.DocType,
			Supplier:       sg.Supplier,
			InvoiceNumbers: sg.InvoiceNumbers,
			Dates:          sg.Dates,
			Header:         first.HeaderSig,
			Footer:         last.FooterSig,
			HasLayout:      first.Fingerprinted() && last.Fingerprinted(),
			HeaderText:     fingerprint.TextSimhash(fingerprint.HeaderText(first.Text)),
			FooterText:     fingerprint.TextSimhash(fingerprint.FooterText(last.Text)),
			HasText:        strings.TrimSpace(first.Text) != "" && strings.TrimSpace(last.Text) != "",
			UploadedAt:     t.file.UploadedAt,
			PageIDs:        sg.PageIDs,
			PageNumbers:    sg.PageNumbers,
		})
		b.log.Debug("Segment", "file_id", t.file.ID, "segment_id", seg.ID, "doc_type", seg.DocType, "pages", len(seg.PageIDs), "rationale", sg.Rationale)
	}

	if err := s.db.SaveSegments(t.segments); err != nil {
		return fmt.Errorf("saving segments: %w", err)
	}
	if err := s.db.SavePages(t.pages); err != nil {
		return fmt.Errorf("saving pages: %w", err)
	}
	return nil
}

// ocrPages reads pages under one OCR slot. Waiting for the slot counts
// toward the queue depth.
func (s *Service) ocrPages(ctx context.Context, pages []*document.Page) (map[string]*scanning.TokenSet, error) {
	out := make(map[string]*scanning.TokenSet, len(pages))
	if len(pages) == 0 {
		return out, nil
	}

	s.metrics.Enqueued()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.metrics.Dequeued()
		return nil, fmt.Errorf("waiting for OCR slot: %w", err)
	}
	s.metrics.Acquired()
	defer func() {
		s.sem.Release(1)
		s.metrics.Released()
	}()

	for _, p := range pages {
		data, err := s.storage.Get(p.ImageKey)
		if err != nil {
			slog.Warn("Page image missing", "page_id", p.ID, "key", p.ImageKey, "error", err)
			out[p.ID] = &scanning.TokenSet{Attempt: scanning.AttemptNone, Reason: "page image missing"}
			continue
		}
		ts := s.extractor.Extract(ctx, p.ID, data)
		if ts == nil {
			ts = &scanning.TokenSet{Attempt: scanning.AttemptNone, Reason: "no OCR result"}
		}
		out[p.ID] = ts
	}
	return out, nil
}

func annotate(p *document.Page, ts *scanning.TokenSet) {
	if ts == nil {
		return
	}
	p.Text = ts.Text
	p.OCRConf = ts.Confidence
	p.OCRAttempt = ts.Attempt
	p.OCRReason = ts.Reason
	if p.Width == 0 {
		p.Width, p.Height = ts.Width, ts.Height
	}
}

// copyDuplicates gives every duplicate page the OCR result of its
// representative
func (s *Service) copyDuplicates(b *batch) {
	var changed []*document.Page
	for id, rep := range b.rep {
		if id == rep {
			continue
		}
		p, r := b.pages[id], b.pages[rep]
		if p == nil || r == nil {
			continue
		}
		p.Text, p.OCRConf, p.OCRAttempt = r.Text, r.OCRConf, r.OCRAttempt
		p.OCRReason = "duplicate of page " + r.ID
		changed = append(changed, p)
	}
	if err := s.db.SavePages(changed); err != nil {
		b.log.Error("Saving duplicate pages", "error", err)
	}
}

// stitchBatch joins segments across the batch and builds one canonical
// record per stitch group
func (s *Service) stitchBatch(b *batch) {
	var cands []classify.StitchCandidate
	segs := map[string]*document.Segment{}
	for _, t := range b.live() {
		cands = append(cands, t.cands...)
		for _, seg := range t.segments {
			segs[seg.ID] = seg
		}
	}
	if len(cands) == 0 {
		return
	}

	var groups []classify.StitchGroup
	if err := guard(func() error {
		groups = s.stages.Stitcher.Stitch(cands)
		return nil
	}); err != nil {
		b.log.Error("Stitching failed, keeping segments apart", "error", err)
		groups = groups[:0]
		for _, c := range cands {
			groups = append(groups, classify.StitchGroup{
				SegmentIDs: []string{c.SegmentID},
				PageIDs:    c.PageIDs,
				DocType:    c.DocType,
				Rationale:  "stitching failed",
			})
		}
	}

	for _, g := range groups {
		members := make([]*document.Segment, 0, len(g.SegmentIDs))
		for _, id := range g.SegmentIDs {
			if seg := segs[id]; seg != nil {
				members = append(members, seg)
			}
		}
		s.buildGroup(b, g, members)
	}
}

// buildGroup stores the stitch group and its canonical record, then builds
// and finalizes the record
func (s *Service) buildGroup(b *batch, g classify.StitchGroup, segs []*document.Segment) {
	now := s.timeSource.Now()
	rec := &document.Group{
		ID:        s.idGenerator.Generate(),
		Kind:      document.GroupStitch,
		MemberIDs: g.SegmentIDs,
		Score:     g.Score,
		Rationale: g.Rationale,
		CreatedAt: now,
	}
	members := make([]document.Membership, 0, len(g.SegmentIDs))
	for _, id := range g.SegmentIDs {
		members = append(members, document.Membership{MemberID: id, GroupID: rec.ID, Kind: rec.Kind})
	}
	for _, seg := range segs {
		seg.StitchGroupID = rec.ID
		seg.Absorbed = len(g.SegmentIDs) > 1
	}
	if err := s.db.SaveGroups([]*document.Group{rec}); err != nil {
		b.log.Error("Saving stitch group", "error", err)
	}
	if err := s.db.SaveMemberships(members); err != nil {
		b.log.Error("Saving stitch memberships", "error", err)
	}
	if len(g.SegmentIDs) > 1 {
		s.saveArtifact(GroupArtifactKey(rec.ID), rec)
	}

	c := &document.Canonical{
		ID:               s.idGenerator.Generate(),
		DocType:          g.DocType,
		SourceSegmentIDs: g.SegmentIDs,
		SourcePageIDs:    g.PageIDs,
		StitchGroupID:    rec.ID,
		Status:           document.StatusQueued,
		StartedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.Transition(document.StatusProcessing, "", false); err != nil {
		b.log.Error("Opening document", "error", err)
		return
	}
	if err := s.db.CreateCanonical(c); err != nil {
		b.log.Error("Creating document", "error", err)
		s.settleSegments(segs, document.StatusError)
		return
	}
	log := b.log.With("document_id", c.ID)

	err := guard(func() error {
		b.mu.Lock()
		in := buildInput(c, segs, b.tokens)
		b.mu.Unlock()
		in.NeedsReview = g.NeedsReview && len(g.SegmentIDs) > 1
		in.Rationale = g.Rationale

		updated, err := s.finalize(c.ID, c.Version, s.stages.Builder.Build(in))
		if err != nil {
			return err
		}
		log.Info("Document built", "doc_type", updated.DocType, "status", updated.Status, "confidence", updated.Confidence, "segments", len(segs))
		s.settleSegments(segs, updated.Status)
		return nil
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		log.Error("Building document", "error", err)
		s.failCanonical(c.ID, c.Version, "internal error while building document")
		s.settleSegments(segs, document.StatusError)
	}
}

// buildInput collects the pages and segment hints of a record
func buildInput(c *document.Canonical, segs []*document.Segment, tokens map[string]*scanning.TokenSet) canonical.Input {
	in := canonical.Input{
		ID:            c.ID,
		DocType:       c.DocType,
		SegmentIDs:    c.SourceSegmentIDs,
		StitchGroupID: c.StitchGroupID,
	}
	for _, seg := range segs {
		if in.Supplier == "" {
			in.Supplier = seg.Supplier
		}
		in.InvoiceNumbers = appendUnique(in.InvoiceNumbers, seg.InvoiceNumbers...)
		in.Dates = appendUnique(in.Dates, seg.Dates...)
	}
	for _, id := range c.SourcePageIDs {
		in.Pages = append(in.Pages, canonical.Page{ID: id, Tokens: tokens[id]})
	}
	return in
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

// finalize writes a built record if nobody moved it since version. A stale
// result is logged and discarded.
func (s *Service) finalize(id string, version int, res canonical.Result) (*document.Canonical, error) {
	now := s.timeSource.Now()
	updated, err := s.db.UpdateCanonical(id, version, func(c *document.Canonical) error {
		built := res.Canonical
		built.ID = c.ID
		built.Status = c.Status
		built.StatusReason = c.StatusReason
		built.Version = c.Version
		built.StartedAt = c.StartedAt
		built.CreatedAt = c.CreatedAt
		built.UpdatedAt = now
		if err := built.Transition(res.Status, res.Reason, false); err != nil {
			return err
		}
		*c = built
		return nil
	})
	if errors.Is(err, ErrConflict) {
		slog.Info("Discarding stale result", "document_id", id, "version", version, "error", err)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("finalizing document %s: %w", id, err)
	}

	s.metrics.Processed()
	if updated.Status == document.StatusError {
		s.metrics.Failed()
	}
	return updated, nil
}

// failCanonical moves a record to error if it is still at version
func (s *Service) failCanonical(id string, version int, reason string) {
	now := s.timeSource.Now()
	_, err := s.db.UpdateCanonical(id, version, func(c *document.Canonical) error {
		c.UpdatedAt = now
		return c.Transition(document.StatusError, reason, false)
	})
	if err != nil {
		slog.Warn("Could not fail document", "document_id", id, "error", err)
		return
	}
	s.metrics.Failed()
}

// settleSegments moves segments to the status of their record
func (s *Service) settleSegments(segs []*document.Segment, status document.Status) {
	now := s.timeSource.Now()
	for _, seg := range segs {
		if seg.Transition(status, false) == nil {
			seg.UpdatedAt = now
		}
	}
	if err := s.db.SaveSegments(segs); err != nil {
		slog.Error("Saving segments", "error", err)
	}
}

// finishFiles gives every file the status of its documents
func (s *Service) finishFiles(b *batch) {
	for _, t := range b.live() {
		status, reason := fileStatus(t)
		s.setFileStatus(b, t, status, reason)
	}
}

func fileStatus(t *fileTask) (document.Status, string) {
	if len(t.segments) == 0 {
		return document.StatusReady, "all pages duplicate pages of other files"
	}
	var errs, review int
	for _, seg := range t.segments {
		switch seg.Status {
		case document.StatusError:
			errs++
		case document.StatusNeedsReview:
			review++
		case document.StatusProcessing, document.StatusQueued:
			// the record was finalized by someone else
			errs++
		}
	}
	n := len(t.segments)
	switch {
	case errs == n:
		return document.StatusError, "no document could be extracted"
	case errs > 0 || review > 0:
		return document.StatusNeedsReview, fmt.Sprintf("%d of %d documents need review", errs+review, n)
	}
	return document.StatusReady, ""
}

// setFileStatus finalizes a file unless the watchdog already did
func (s *Service) setFileStatus(b *batch, t *fileTask, status document.Status, reason string) bool {
	current, err := s.db.GetFile(t.file.ID)
	if err != nil {
		b.log.Error("Reloading file", "file_id", t.file.ID, "error", err)
		return false
	}
	if current.Status != document.StatusProcessing {
		b.log.Info("File already finalized", "file_id", t.file.ID, "status", current.Status)
		t.file = current
		return false
	}
	current.Status = status
	current.Reason = reason
	current.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveFile(current); err != nil {
		b.log.Error("Saving file status", "file_id", t.file.ID, "error", err)
		return false
	}
	t.file = current
	b.log.Info("File done", "file_id", current.ID, "status", status, "reason", reason)
	return true
}

// failFile routes a file to error and drops it from later stages
func (s *Service) failFile(b *batch, t *fileTask, reason string) {
	if t.failed {
		return
	}
	t.failed = true
	if s.setFileStatus(b, t, document.StatusError, reason) {
		s.metrics.Failed()
	}
}

// GroupArtifactKey is the storage key of a group rationale dump
func GroupArtifactKey(groupID string) string {
	return "groups/" + groupID + ".json"
}

func (s *Service) saveArtifact(key string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Warn("Encoding artifact", "key", key, "error", err)
		return
	}
	if _, err := s.storage.Save(key, data); err != nil {
		slog.Warn("Saving artifact", "key", key, "error", err)
	}
}
