package api

import (
	"banggood-pipeline/models"
)

// ProductResponse is one product snapshot in API responses.
type ProductResponse struct {
	ProductID       string   `json:"product_id"`
	SnapshotDate    string   `json:"snapshot_date"`
	Title           string   `json:"title"`
	URL             string   `json:"url"`
	Price           string   `json:"price"`
	PriceCategory   string   `json:"price_category"`
	Rating          *float64 `json:"rating"`
	ReviewCount     int64    `json:"review_count"`
	Category        string   `json:"category"`
	ValueScore      float64  `json:"value_score"`
	PopularityIndex float64  `json:"popularity_index"`
	IsValid         bool     `json:"is_valid"`
	ValidationIssue string   `json:"validation_issue,omitempty"`
}

// TopResponse is the body of GET /api/v1/products/top.
type TopResponse struct {
	AsOf     string            `json:"as_of"`
	Metric   string            `json:"metric"`
	Category string            `json:"category,omitempty"`
	Count    int               `json:"count"`
	Products []ProductResponse `json:"products"`
}

// RollupResponse is the body of GET /api/v1/categories/rollup.
type RollupResponse struct {
	AsOf       string             `json:"as_of"`
	Count      int                `json:"count"`
	Categories []models.RollupRow `json:"categories"`
}

// TrendResponse is the body of GET /api/v1/products/:id/trend.
type TrendResponse struct {
	ProductID string            `json:"product_id"`
	Count     int               `json:"count"`
	Snapshots []ProductResponse `json:"snapshots"`
}

func toProductResponse(r models.ProductRecord) ProductResponse {
	return ProductResponse{
		ProductID:       r.ProductID,
		SnapshotDate:    r.SnapshotDate.Format(models.DateLayout),
		Title:           r.Title,
		URL:             r.URL,
		Price:           r.Price.StringFixed(2),
		PriceCategory:   r.PriceCategory,
		Rating:          r.Rating,
		ReviewCount:     r.ReviewCount,
		Category:        r.Category,
		ValueScore:      r.ValueScore,
		PopularityIndex: r.PopularityIndex,
		IsValid:         r.IsValid,
		ValidationIssue: r.ValidationIssue,
	}
}

func toProductResponses(rows []models.ProductRecord) []ProductResponse {
	out := make([]ProductResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, toProductResponse(r))
	}
	return out
}
