package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format of snapshot dates.
const DateLayout = "2006-01-02"

// ProductRecord is the cleaned, typed observation of one product on one day.
// It is the unit of storage.
type ProductRecord struct {
	ProductID       string          `json:"product_id"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	Price           decimal.Decimal `json:"price"`
	PriceCategory   string          `json:"price_category"`
	Rating          *float64        `json:"rating"`
	ReviewCount     int64           `json:"review_count"`
	Category        string          `json:"category"`
	SnapshotDate    time.Time       `json:"snapshot_date"`
	ScrapeTimestamp time.Time       `json:"scrape_timestamp"`
	ValueScore      float64         `json:"value_score"`
	PopularityIndex float64         `json:"popularity_index"`
	IsValid         bool            `json:"is_valid"`
	ValidationIssue string          `json:"validation_issue,omitempty"`
}

// Key returns the natural key of the record.
func (r ProductRecord) Key() SnapshotKey {
	return SnapshotKey{ProductID: r.ProductID, SnapshotDate: r.SnapshotDate.Format(DateLayout)}
}

// RatingValue returns the rating, or 0 when it is absent.
func (r ProductRecord) RatingValue() float64 {
	if r.Rating == nil {
		return 0
	}
	return *r.Rating
}

// SameContent reports whether two records are identical in every field
// except ScrapeTimestamp.
func (r ProductRecord) SameContent(o ProductRecord) bool {
	if (r.Rating == nil) != (o.Rating == nil) {
		return false
	}
	if r.Rating != nil && *r.Rating != *o.Rating {
		return false
	}
	return r.ProductID == o.ProductID &&
		r.Title == o.Title &&
		r.URL == o.URL &&
		r.Price.Equal(o.Price) &&
		r.PriceCategory == o.PriceCategory &&
		r.ReviewCount == o.ReviewCount &&
		r.Category == o.Category &&
		r.SnapshotDate.Equal(o.SnapshotDate) &&
		r.ValueScore == o.ValueScore &&
		r.PopularityIndex == o.PopularityIndex &&
		r.IsValid == o.IsValid &&
		r.ValidationIssue == o.ValidationIssue
}

// SnapshotKey is the (product_id, snapshot_date) pair. The date is kept in
// DateLayout form so the key is comparable and usable as a map key.
type SnapshotKey struct {
	ProductID    string
	SnapshotDate string
}

// Date parses the key's snapshot date.
func (k SnapshotKey) Date() time.Time {
	t, _ := time.Parse(DateLayout, k.SnapshotDate)
	return t
}

// DateOf truncates t to its calendar day in loc, returned as UTC midnight.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Metric names accepted by the query layer.
type Metric string

const (
	MetricValueScore      Metric = "value_score"
	MetricPopularityIndex Metric = "popularity_index"
	MetricPrice           Metric = "price"
	MetricRating          Metric = "rating"
	MetricReviewCount     Metric = "review_count"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricValueScore, MetricPopularityIndex, MetricPrice, MetricRating, MetricReviewCount:
		return true
	}
	return false
}

// RollupRow is one category line of the category rollup.
type RollupRow struct {
	Category      string   `json:"category"`
	ProductCount  int      `json:"product_count"`
	AvgPrice      float64  `json:"avg_price"`
	AvgRating     *float64 `json:"avg_rating"`
	TotalReviews  int64    `json:"total_reviews"`
	AvgValueScore float64  `json:"avg_value_score"`
}
