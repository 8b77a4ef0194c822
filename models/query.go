package models

import "time"

// TopQuery selects the best products of a category by one metric.
type TopQuery struct {
	Category       string // empty means every category
	Metric         Metric
	N              int
	AsOf           time.Time
	IncludeInvalid bool
}

// RollupQuery aggregates the latest snapshot of every product per category.
type RollupQuery struct {
	AsOf           time.Time
	IncludeInvalid bool
}

// TrendQuery is the snapshot history of one product over a date range,
// both ends inclusive.
type TrendQuery struct {
	ProductID      string
	From           time.Time
	To             time.Time
	IncludeInvalid bool
}
