package models

import "time"

// FailureKind distinguishes page-level from target-level fetch failures.
type FailureKind string

const (
	FailureFetch           FailureKind = "fetch_failure"
	FailureTargetExhausted FailureKind = "target_exhausted"
)

// TargetFailure is one entry of BatchSummary.TargetFailures.
type TargetFailure struct {
	Target Target      `json:"target"`
	Kind   FailureKind `json:"kind"`
	URL    string      `json:"url"`
	Error  string      `json:"error"`
}

// BatchSummary is returned by every run, including failed ones, so operators
// always see what succeeded.
type BatchSummary struct {
	RunID               string          `json:"run_id"`
	StartedAt           time.Time       `json:"started_at"`
	FinishedAt          time.Time       `json:"finished_at"`
	PagesFetched        int             `json:"pages_fetched"`
	ParseFailures       int             `json:"parse_failures"`
	RecordsSeen         int             `json:"records_seen"`
	RecordsValid        int             `json:"records_valid"`
	RecordsInvalid      int             `json:"records_invalid"`
	RecordsRejected     int             `json:"records_rejected"`
	DuplicatesCollapsed int             `json:"duplicates_collapsed"`
	UpsertsApplied      int             `json:"upserts_applied"`
	UpsertsSkipped      int             `json:"upserts_skipped"`
	UpsertsFailed       int             `json:"upserts_failed"`
	TargetFailures      []TargetFailure `json:"target_failures"`
}
