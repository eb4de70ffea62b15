package pipeline

import (
	"errors"

	"github.com/zombor/invoice-ingest/internal/document"
	"github.com/zombor/invoice-ingest/internal/scanning"
)

var (
	// ErrTransient marks engine timeouts and busy resources. The OCR chain
	// retries these with backoff before giving up on an attempt.
	ErrTransient = scanning.ErrTransient
	// ErrDataQuality marks documents that were read but cannot be trusted.
	// They go to needs_review and are never retried automatically.
	ErrDataQuality = errors.New("data quality")
	// ErrStructural marks uploads that cannot be processed at all, such as a
	// corrupt file or one without pages.
	ErrStructural = errors.New("structural")
	// ErrConflict is returned when a retry races another retry
	ErrConflict = document.ErrConflict
	// ErrNotFound is returned for unknown files and documents
	ErrNotFound = document.ErrNotFound
)
