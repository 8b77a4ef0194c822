package models

import (
	"fmt"
	"time"
)

// TargetKind tells the fetcher how to build page URLs for a target.
type TargetKind string

const (
	TargetCategory TargetKind = "category"
	TargetSearch   TargetKind = "search"
)

// Target is one category or search term scraped during a batch.
type Target struct {
	Kind  TargetKind
	Value string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Value)
}

// RawListing holds one fetched page exactly as the upstream source returned it.
// It only lives between the fetcher and the parser.
type RawListing struct {
	Target      Target
	Page        int
	SourceURL   string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// RawFields is a single product as scraped, before any typing or cleaning.
type RawFields struct {
	ProductID   string
	Title       string
	Price       string
	Rating      string
	ReviewCount string
	Category    string
	URL         string
	ScrapedAt   time.Time

	// FallbackCategory is the target's category, used when the page has none.
	FallbackCategory string
}
