package services

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"banggood-pipeline/config"
	"banggood-pipeline/models"
)

var defaultWeights = config.Weights{Rating: 0.4, Reviews: 0.4, Price: 0.2}

func floatPtr(f float64) *float64 { return &f }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func record(id, category, price string, rating *float64, reviews int64) *models.ProductRecord {
	return &models.ProductRecord{
		ProductID:    id,
		Category:     category,
		Price:        decimal.RequireFromString(price),
		Rating:       rating,
		ReviewCount:  reviews,
		SnapshotDate: day(2024, 5, 10),
		IsValid:      true,
	}
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestValueScoreWorkedExample(t *testing.T) {
	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())
	rec := record("BG123", "tools", "19.99", floatPtr(4.5), 230)
	bounds := models.Bounds{
		Price:   models.Range{Min: 5, Max: 50, Set: true},
		Rating:  models.Range{Min: 3, Max: 5, Set: true},
		Reviews: models.Range{Min: 0, Max: 1000, Set: true},
	}

	got := e.ValueScore(rec, bounds)

	ratingNorm := (4.5 - 3.0) / (5.0 - 3.0)
	reviewsNorm := (230.0 - 0.0) / (1000.0 - 0.0)
	priceNorm := (19.99 - 5.0) / (50.0 - 5.0)
	want := 100 * (0.4*ratingNorm + 0.4*reviewsNorm - 0.2*priceNorm)

	if !approxEqual(got, want) {
		t.Errorf("ValueScore: got %.10f, want %.10f", got, want)
	}
	if !approxEqual(got, 32.537777777777777) {
		t.Errorf("ValueScore: got %.10f, want ≈32.5378", got)
	}
}

func TestValueScoreEdgeCases(t *testing.T) {
	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())
	point := models.Bounds{
		Price:   models.Range{Min: 10, Max: 10, Set: true},
		Rating:  models.Range{Min: 4, Max: 4, Set: true},
		Reviews: models.Range{Min: 5, Max: 5, Set: true},
	}

	// min == max normalizes every attribute to 0.5
	if got := e.ValueScore(record("A", "t", "10", floatPtr(4), 5), point); !approxEqual(got, 30) {
		t.Errorf("degenerate bounds: got %.4f, want 30", got)
	}

	// a missing rating contributes nothing
	if got := e.ValueScore(record("A", "t", "10", nil, 5), point); !approxEqual(got, 10) {
		t.Errorf("nil rating: got %.4f, want 10", got)
	}

	// values outside running bounds normalize to the range ends
	wide := models.Bounds{
		Price:   models.Range{Min: 10, Max: 20, Set: true},
		Rating:  models.Range{Min: 1, Max: 2, Set: true},
		Reviews: models.Range{Min: 0, Max: 10, Set: true},
	}
	if got := e.ValueScore(record("A", "t", "5", floatPtr(5), 500), wide); !approxEqual(got, 80) {
		t.Errorf("best: got %.4f, want 80", got)
	}
	if got := e.ValueScore(record("A", "t", "50", floatPtr(0), 0), wide); !approxEqual(got, -20) {
		t.Errorf("worst: got %.4f, want -20", got)
	}
}

func TestPopularityIndex(t *testing.T) {
	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())
	rec := record("A", "t", "10", floatPtr(4.5), 200)

	if got := e.PopularityIndex(rec, nil); !approxEqual(got, 200*1.9) {
		t.Errorf("no prior: got %.4f, want %.4f", got, 200*1.9)
	}

	prior := record("A", "t", "10", floatPtr(4.5), 150)
	prior.SnapshotDate = rec.SnapshotDate.AddDate(0, 0, -30)
	if got := e.PopularityIndex(rec, prior); !approxEqual(got, 200*1.9*0.5) {
		t.Errorf("one half-life: got %.4f, want %.4f", got, 200*1.9*0.5)
	}

	noDecay := NewEnricher(defaultWeights, config.ScopeCategory, 0, newTestLogger())
	if got := noDecay.PopularityIndex(rec, prior); !approxEqual(got, 200*1.9) {
		t.Errorf("half-life 0: got %.4f, want %.4f", got, 200*1.9)
	}

	unrated := record("A", "t", "10", nil, 200)
	if got := e.PopularityIndex(unrated, nil); !approxEqual(got, 200) {
		t.Errorf("nil rating: got %.4f, want 200", got)
	}
}

func TestBatchBoundsPerCategory(t *testing.T) {
	records := []*models.ProductRecord{
		record("A", "tools", "10", floatPtr(3), 10),
		record("B", "tools", "30", floatPtr(5), 90),
		record("C", "toys", "100", nil, 1),
	}
	invalid := record("D", "tools", "1000", floatPtr(0), 100000)
	invalid.IsValid = false
	records = append(records, invalid)

	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())
	bounds := e.BatchBounds(records)

	tools := bounds["tools"]
	if tools.Price.Min != 10 || tools.Price.Max != 30 {
		t.Errorf("tools price bounds: got [%v,%v], want [10,30]", tools.Price.Min, tools.Price.Max)
	}
	if tools.Reviews.Max != 90 {
		t.Errorf("invalid record leaked into bounds: reviews max %v", tools.Reviews.Max)
	}
	if toys := bounds["toys"]; toys.Rating.Set {
		t.Error("toys has no ratings, rating range should be unset")
	}

	global := NewEnricher(defaultWeights, config.ScopeGlobal, 30, newTestLogger()).BatchBounds(records)
	if len(global) != 1 || global[GlobalBucket].Price.Max != 100 {
		t.Errorf("global bounds: got %+v", global)
	}
}

func TestEnrichIsDeterministicAndInRange(t *testing.T) {
	build := func() []*models.ProductRecord {
		return []*models.ProductRecord{
			record("A", "tools", "10", floatPtr(3), 10),
			record("B", "tools", "30", floatPtr(5), 90),
			record("C", "tools", "20", nil, 50),
		}
	}
	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())

	first := build()
	e.Enrich(first, e.BatchBounds(first), nil)
	second := build()
	e.Enrich(second, e.BatchBounds(second), nil)

	for i := range first {
		if first[i].ValueScore != second[i].ValueScore || first[i].PopularityIndex != second[i].PopularityIndex {
			t.Errorf("record %s scored differently across runs", first[i].ProductID)
		}
		if first[i].ValueScore < -20 || first[i].ValueScore > 80 {
			t.Errorf("record %s value score %.4f out of [-20,80]", first[i].ProductID, first[i].ValueScore)
		}
		if first[i].PopularityIndex < 0 {
			t.Errorf("record %s popularity %.4f is negative", first[i].ProductID, first[i].PopularityIndex)
		}
	}
}

func TestEnrichZeroesInvalidRecords(t *testing.T) {
	e := NewEnricher(defaultWeights, config.ScopeCategory, 30, newTestLogger())
	rec := record("A", "tools", "10", nil, 10)
	rec.IsValid = false
	rec.ValueScore, rec.PopularityIndex = 42, 42

	e.Enrich([]*models.ProductRecord{rec}, nil, nil)
	if rec.ValueScore != 0 || rec.PopularityIndex != 0 {
		t.Errorf("invalid record scored: value=%.2f popularity=%.2f", rec.ValueScore, rec.PopularityIndex)
	}
}

func TestEnrichUsesPriorSnapshot(t *testing.T) {
	e := NewEnricher(defaultWeights, config.ScopeCategory, 10, newTestLogger())
	rec := record("A", "tools", "10", floatPtr(5), 100)
	prior := *record("A", "tools", "10", floatPtr(5), 80)
	prior.SnapshotDate = rec.SnapshotDate.AddDate(0, 0, -20)

	e.Enrich([]*models.ProductRecord{rec}, nil, map[string]models.ProductRecord{"A": prior})
	if want := 100 * 2 * 0.25; !approxEqual(rec.PopularityIndex, want) {
		t.Errorf("PopularityIndex: got %.4f, want %.4f", rec.PopularityIndex, want)
	}
}
