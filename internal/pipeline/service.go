// Package pipeline runs uploaded files through fingerprinting, dedup, OCR,
// segmentation, stitching and canonical building, and keeps every record's
// status moving to a terminal state.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/invoice-ingest/internal/canonical"
	"github.com/zombor/invoice-ingest/internal/classify"
	"github.com/zombor/invoice-ingest/internal/dedup"
	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/scanning"
	"github.com/zombor/invoice-ingest/internal/tables"
	"github.com/zombor/invoice-ingest/internal/validate"
)

// Config bounds the worker pool and the job lifetime
type Config struct {
	OCRConcurrency    int           `yaml:"ocr_concurrency" validate:"gte=1,lte=64"`
	FingerprintFanout int           `yaml:"fingerprint_fanout" validate:"gte=1,lte=64"`
	BatchWindow       time.Duration `yaml:"batch_window" validate:"gte=0"`
	JobCeiling        time.Duration `yaml:"job_ceiling" validate:"gt=0"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval" validate:"gt=0"`
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		OCRConcurrency:    2,
		FingerprintFanout: 4,
		BatchWindow:       2 * time.Second,
		JobCeiling:        60 * time.Second,
		WatchdogInterval:  5 * time.Second,
	}
}

// Extractor reads the tokens of one page image. It never fails; a page that
// could not be read comes back with zero confidence and a reason.
type Extractor interface {
	Extract(ctx context.Context, pageID string, png []byte) *scanning.TokenSet
}

// Stages holds the configured steps the pipeline runs
type Stages struct {
	Dedup      *dedup.Engine
	Classifier *classify.Classifier
	Segmenter  *classify.Segmenter
	Stitcher   *classify.Stitcher
	Builder    *canonical.Builder
}

// DefaultStages builds every stage with its default configuration
func DefaultStages() Stages {
	return Stages{
		Dedup:      dedup.New(dedup.DefaultConfig()),
		Classifier: classify.NewClassifier(classify.DefaultConfig()),
		Segmenter:  classify.NewSegmenter(classify.DefaultSegmentConfig()),
		Stitcher:   classify.NewStitcher(classify.DefaultStitchConfig()),
		Builder:    canonical.NewBuilder(tables.DefaultConfig(), validate.DefaultConfig()),
	}
}

// IDGenerator generates unique IDs for files, pages and records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates time-ordered UUIDv7 IDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Upload is one file handed to the pipeline
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
	// Pages holds already rendered PNG pages. Data is rasterized when empty.
	Pages [][]byte
}

// Job is the handle returned at intake
type Job struct {
	FileID      string          `json:"file_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Status      document.Status `json:"status"`
	Pages       int             `json:"pages"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Service owns the background processing of uploaded files
type Service struct {
	db          document.DB
	storage     document.Storage
	extractor   Extractor
	stages      Stages
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource
	metrics     Metrics
	sem         *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	watchers sync.WaitGroup

	mu           sync.Mutex
	pending      []string
	pendingBatch string
	timer        *time.Timer
}

// NewService creates a Service with UUIDv7 IDs, the wall clock and fresh counters
func NewService(db document.DB, storage document.Storage, extractor Extractor, cfg Config, stages Stages) *Service {
	return NewServiceWithDeps(db, storage, extractor, cfg, stages, &uuidGenerator{}, &defaultTimeSource{}, NewCounters())
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(db document.DB, storage document.Storage, extractor Extractor, cfg Config, stages Stages, idGen IDGenerator, timeSrc TimeSource, metrics Metrics) *Service {
	if cfg.OCRConcurrency < 1 {
		cfg.OCRConcurrency = 1
	}
	if cfg.FingerprintFanout < 1 {
		cfg.FingerprintFanout = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:          db,
		storage:     storage,
		extractor:   extractor,
		stages:      stages,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
		metrics:     metrics,
		sem:         semaphore.NewWeighted(int64(cfg.OCRConcurrency)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Metrics returns the counters the worker pool reports to
func (s *Service) Metrics() Metrics {
	return s.metrics
}

var (
	unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeNameRe.ReplaceAllString(base, "")
	base = spaceRe.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "document"
	}
	return base + strings.ToLower(ext)
}

func contentHash(up Upload) string {
	h := sha256.New()
	h.Write(up.Data)
	for _, p := range up.Pages {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PageKey is the storage key of a rasterized page
func PageKey(fileID string, index int) string {
	return fmt.Sprintf("pages/%s/%03d.png", fileID, index)
}

// Submit stores the upload and queues it for the current batch window. It
// returns as soon as the pages are persisted.
func (s *Service) Submit(ctx context.Context, up Upload) (Job, error) {
	job, file, err := s.intake(ctx, up)
	if err != nil || file == nil {
		return job, err
	}
	job.BatchID = s.enqueue(file.ID)
	return job, nil
}

// SubmitBatch stores every upload and processes them as one batch, so their
// pages are deduplicated and stitched together. An upload that cannot be read
// gets an error job; the rest still run.
func (s *Service) SubmitBatch(ctx context.Context, uploads []Upload) ([]Job, error) {
	batchID := s.idGenerator.Generate()
	jobs := make([]Job, 0, len(uploads))
	var fileIDs []string
	for _, up := range uploads {
		job, file, err := s.intake(ctx, up)
		if err != nil && !errors.Is(err, ErrStructural) {
			return jobs, err
		}
		if file != nil {
			job.BatchID = batchID
			fileIDs = append(fileIDs, file.ID)
		}
		jobs = append(jobs, job)
	}
	if len(fileIDs) > 0 {
		s.startBatch(batchID, fileIDs)
	}
	return jobs, nil
}

// intake persists one upload. The returned file is nil when there is nothing
// left to process.
func (s *Service) intake(ctx context.Context, up Upload) (Job, *document.File, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, nil, err
	}
	now := s.timeSource.Now()
	file := &document.File{
		ID:          s.idGenerator.Generate(),
		Name:        sanitizeFilename(up.Name),
		ContentType: up.ContentType,
		Hash:        contentHash(up),
		Status:      document.StatusQueued,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	log := slog.With("file_id", file.ID, "filename", file.Name)

	existing, err := s.db.FindFileByHash(file.Hash)
	switch {
	case err == nil:
		file.DuplicateOf = existing.ID
		file.PageIDs = existing.PageIDs
		file.Status = existing.Status
		file.Reason = "duplicate of " + existing.ID
		if err := s.db.SaveFile(file); err != nil {
			return Job{}, nil, fmt.Errorf("saving duplicate file: %w", err)
		}
		log.Info("Whole file duplicate", "duplicate_of", existing.ID)
		return Job{FileID: file.ID, Status: file.Status, Pages: len(file.PageIDs), DuplicateOf: existing.ID}, nil, nil
	case !errors.Is(err, document.ErrNotFound):
		return Job{}, nil, fmt.Errorf("looking up file hash: %w", err)
	}

	pages := up.Pages
	if len(pages) == 0 {
		pages, err = scanning.Rasterize(up.Data, up.ContentType)
		if err != nil {
			file.Status = document.StatusError
			file.Reason = fmt.Sprintf("could not read file: %v", err)
			if serr := s.db.SaveFile(file); serr != nil {
				return Job{}, nil, fmt.Errorf("saving file: %w", serr)
			}
			s.metrics.Failed()
			log.Warn("Rejected upload", "content_type", up.ContentType, "size", len(up.Data), "error", err)
			job := Job{FileID: file.ID, Status: file.Status, Error: file.Reason}
			return job, nil, fmt.Errorf("%w: %s", ErrStructural, file.Reason)
		}
	}

	records := make([]*document.Page, 0, len(pages))
	for i, data := range pages {
		key, err := s.storage.Save(PageKey(file.ID, i), data)
		if err != nil {
			return Job{}, nil, fmt.Errorf("saving page %d: %w", i, err)
		}
		page := &document.Page{
			ID:       s.idGenerator.Generate(),
			FileID:   file.ID,
			Index:    i,
			ImageKey: key,
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			page.Width, page.Height = cfg.Width, cfg.Height
		}
		records = append(records, page)
		file.PageIDs = append(file.PageIDs, page.ID)
	}

	if err := s.db.SavePages(records); err != nil {
		return Job{}, nil, fmt.Errorf("saving pages: %w", err)
	}
	if err := s.db.SaveFile(file); err != nil {
		return Job{}, nil, fmt.Errorf("saving file: %w", err)
	}
	log.Info("Queued file", "pages", len(records))
	return Job{FileID: file.ID, Status: file.Status, Pages: len(records)}, file, nil
}

// enqueue adds a file to the open batch, opening one if needed, and returns
// the batch id
func (s *Service) enqueue(fileID string) string {
	s.mu.Lock()
	if s.pendingBatch == "" {
		s.pendingBatch = s.idGenerator.Generate()
		if s.cfg.BatchWindow > 0 {
			s.timer = time.AfterFunc(s.cfg.BatchWindow, s.flush)
		}
	}
	s.pending = append(s.pending, fileID)
	batchID := s.pendingBatch
	s.mu.Unlock()

	if s.cfg.BatchWindow <= 0 {
		s.flush()
	}
	return batchID
}

// flush starts processing of the open batch
func (s *Service) flush() {
	s.mu.Lock()
	batchID, fileIDs := s.pendingBatch, s.pending
	s.pendingBatch, s.pending = "", nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if len(fileIDs) > 0 {
		s.startBatch(batchID, fileIDs)
	}
}

func (s *Service) startBatch(batchID string, fileIDs []string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processBatch(s.ctx, batchID, fileIDs)
	}()
}

// GetFile returns a file. A whole-file duplicate reports the status of the
// file it duplicates.
func (s *Service) GetFile(id string) (*document.File, error) {
	file, err := s.db.GetFile(id)
	if err != nil {
		return nil, fmt.Errorf("getting file: %w", err)
	}
	if file.DuplicateOf == "" {
		return file, nil
	}
	orig, err := s.db.GetFile(file.DuplicateOf)
	if err != nil {
		return file, nil
	}
	file.Status = orig.Status
	file.PageIDs = orig.PageIDs
	return file, nil
}

// GetDocument returns a canonical record
func (s *Service) GetDocument(id string) (*document.Canonical, error) {
	c, err := s.db.GetCanonical(id)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return c, nil
}

// ListDocuments returns every canonical record
func (s *Service) ListDocuments() ([]*document.Canonical, error) {
	docs, err := s.db.ListCanonical()
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

// Artifact returns a stored page image or debug artifact
func (s *Service) Artifact(key string) ([]byte, error) {
	data, err := s.storage.Get(key)
	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	return data, nil
}

// Flush processes the open batch without waiting for its window
func (s *Service) Flush() {
	s.flush()
}

// Wait blocks until every started batch and retry has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close processes the open batch, waits for running work and stops the watchdog
func (s *Service) Close() {
	s.flush()
	s.wg.Wait()
	s.cancel()
	s.watchers.Wait()
}
