package models

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned by a batch run when the store could not be
// reached at all. The partial summary is still returned alongside it.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidQuery wraps every argument error of the query layer.
var ErrInvalidQuery = errors.New("invalid query")

// ValidationCode identifies which validation rule a raw record failed.
type ValidationCode string

const (
	MissingIdentifier  ValidationCode = "missing_identifier"
	InvalidPrice       ValidationCode = "invalid_price"
	InvalidRating      ValidationCode = "invalid_rating"
	InvalidReviewCount ValidationCode = "invalid_review_count"
)

// Rejects reports whether a record failing this rule is dropped entirely
// instead of being kept with IsValid=false.
func (c ValidationCode) Rejects() bool {
	return c == MissingIdentifier || c == InvalidPrice
}

// ValidationError is the first rule a raw record failed.
type ValidationError struct {
	Code   ValidationCode
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", e.Code, e.Field, e.Value, e.Reason)
}

// Rejection is a raw record dropped by a rejecting rule.
type Rejection struct {
	Raw RawFields
	Err *ValidationError
}

// FetchFailure is a page that could not be fetched after all retries.
type FetchFailure struct {
	Target   Target
	URL      string
	Attempts int
	Err      error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s (%s) failed after %d attempts: %v", e.URL, e.Target, e.Attempts, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// TargetExhausted means the upstream blocked a target; the rest of its pages
// are abandoned for this batch.
type TargetExhausted struct {
	Target Target
	URL    string
	Reason string
}

func (e *TargetExhausted) Error() string {
	return fmt.Sprintf("target %s exhausted at %s: %s", e.Target, e.URL, e.Reason)
}

// ParseFailure is a fetched page that yielded no products.
type ParseFailure struct {
	URL    string
	Reason string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// PersistenceError wraps a storage failure for one record.
type PersistenceError struct {
	Key SnapshotKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s@%s: %v", e.Key.ProductID, e.Key.SnapshotDate, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
