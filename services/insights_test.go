package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"banggood-pipeline/models"
)

type fakeQueryStore struct {
	top    models.TopQuery
	rollup models.RollupQuery
	trend  models.TrendQuery
	rows   []models.ProductRecord
	agg    []models.RollupRow
	err    error
}

func (f *fakeQueryStore) TopN(_ context.Context, q models.TopQuery) ([]models.ProductRecord, error) {
	f.top = q
	return f.rows, f.err
}

func (f *fakeQueryStore) CategoryRollup(_ context.Context, q models.RollupQuery) ([]models.RollupRow, error) {
	f.rollup = q
	return f.agg, f.err
}

func (f *fakeQueryStore) Trend(_ context.Context, q models.TrendQuery) ([]models.ProductRecord, error) {
	f.trend = q
	return f.rows, f.err
}

func newTestInsights(store QueryStore) *InsightService {
	svc := NewInsightService(store, newTestLogger())
	svc.now = func() time.Time { return time.Date(2024, 5, 10, 17, 45, 0, 0, time.UTC) }
	return svc
}

func TestTopNDefaults(t *testing.T) {
	store := &fakeQueryStore{}
	svc := newTestInsights(store)

	if _, err := svc.TopN(context.Background(), models.TopQuery{Category: " Tools ", N: 5}); err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if store.top.Metric != models.MetricValueScore {
		t.Errorf("default metric: got %q", store.top.Metric)
	}
	if store.top.Category != "tools" {
		t.Errorf("category should be normalised, got %q", store.top.Category)
	}
	if want := day(2024, 5, 10); !store.top.AsOf.Equal(want) {
		t.Errorf("AsOf: got %v, want %v", store.top.AsOf, want)
	}
}

func TestTopNCategoryMatchesStoredSlug(t *testing.T) {
	store := &fakeQueryStore{}
	svc := newTestInsights(store).WithAliases(map[string]string{"power tools": "tools"})

	tests := []struct {
		category string
		want     string
	}{
		{"Home Garden", "home-garden"},
		{" Home & Garden ", "home-garden"},
		{"Power Tools", "tools"},
		{"", ""},
	}
	for _, tt := range tests {
		if _, err := svc.TopN(context.Background(), models.TopQuery{Category: tt.category, N: 5}); err != nil {
			t.Fatalf("TopN(%q): %v", tt.category, err)
		}
		if store.top.Category != tt.want {
			t.Errorf("TopN(%q) queried category %q, want %q", tt.category, store.top.Category, tt.want)
		}
	}
}

func TestTopNRejectsBadArguments(t *testing.T) {
	svc := newTestInsights(&fakeQueryStore{})

	tests := []models.TopQuery{
		{Metric: "cheapness", N: 5},
		{N: 0},
		{N: MaxTopN + 1},
	}
	for _, q := range tests {
		if _, err := svc.TopN(context.Background(), q); !errors.Is(err, models.ErrInvalidQuery) {
			t.Errorf("TopN(%+v): expected ErrInvalidQuery, got %v", q, err)
		}
	}
}

func TestTrendValidation(t *testing.T) {
	store := &fakeQueryStore{}
	svc := newTestInsights(store)

	if _, err := svc.Trend(context.Background(), models.TrendQuery{}); !errors.Is(err, models.ErrInvalidQuery) {
		t.Errorf("missing product id: got %v", err)
	}

	_, err := svc.Trend(context.Background(), models.TrendQuery{
		ProductID: "BG1", From: day(2024, 6, 1), To: day(2024, 5, 1),
	})
	if !errors.Is(err, models.ErrInvalidQuery) {
		t.Errorf("inverted range: got %v", err)
	}

	if _, err := svc.Trend(context.Background(), models.TrendQuery{ProductID: "BG1"}); err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if !store.trend.From.IsZero() || !store.trend.To.Equal(day(2024, 5, 10)) {
		t.Errorf("open range: got from=%v to=%v", store.trend.From, store.trend.To)
	}
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	svc := newTestInsights(&fakeQueryStore{err: boom})

	_, err := svc.CategoryRollup(context.Background(), models.RollupQuery{})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
	if errors.Is(err, models.ErrInvalidQuery) {
		t.Error("store failure must not look like a bad query")
	}
}

func TestGenerateAndPrint(t *testing.T) {
	store := &fakeQueryStore{
		rows: []models.ProductRecord{
			{ProductID: "BG1", Title: "Cordless Drill", Price: decimal.RequireFromString("19.99"), ValueScore: 81.5, PopularityIndex: 437},
		},
		agg: []models.RollupRow{
			{Category: "tools", ProductCount: 1, AvgPrice: 19.99, AvgRating: floatPtr(4.5), TotalReviews: 230, AvgValueScore: 81.5},
			{Category: "toys", ProductCount: 2, AvgPrice: 5},
		},
	}
	svc := newTestInsights(store)

	report, err := svc.Generate(context.Background(), time.Time{}, 5)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	report.Summary = &models.BatchSummary{RunID: "run-1", RecordsSeen: 3, UpsertsApplied: 1}

	var buf bytes.Buffer
	svc.Print(&buf, report)
	out := buf.String()

	for _, want := range []string{"2024-05-10", "run-1", "Cordless Drill", "19.99", "Best Value", "Most Popular", "tools", "n/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestPrintEmptyReport(t *testing.T) {
	svc := newTestInsights(&fakeQueryStore{})
	var buf bytes.Buffer
	svc.Print(&buf, &Report{AsOf: day(2024, 5, 10)})
	if !strings.Contains(buf.String(), "No products found") || !strings.Contains(buf.String(), "No category data") {
		t.Errorf("empty report should say so:\n%s", buf.String())
	}
}
