package document

import (
	"errors"
	"fmt"
)

// Status is the processing state of a file, segment or canonical record
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusReady       Status = "ready"
	StatusNeedsReview Status = "needs_review"
	StatusError       Status = "error"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further automatic transition is allowed
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusNeedsReview || s == StatusError
}

// CanTransition reports whether from -> to is a legal move. Terminal states
// only go back to processing, and only when retry is set.
func CanTransition(from, to Status, retry bool) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to.Terminal()
	case StatusReady, StatusNeedsReview, StatusError:
		return retry && to == StatusProcessing
	}
	return false
}

// Transition moves a canonical record to a new status and bumps its version
func (c *Canonical) Transition(to Status, reason string, retry bool) error {
	if !CanTransition(c.Status, to, retry) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.StatusReason = reason
	c.Version++
	return nil
}

// Transition moves a segment to a new status
func (s *Segment) Transition(to Status, retry bool) error {
	if !CanTransition(s.Status, to, retry) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}
