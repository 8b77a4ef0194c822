package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// MaxTopN caps the size of a top-N query.
const MaxTopN = 500

// QueryStore is the read side of the product store.
type QueryStore interface {
	TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error)
	CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error)
	Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error)
}

// InsightService answers read-only queries over committed snapshots.
type InsightService struct {
	store   QueryStore
	logger  *utils.Logger
	aliases map[string]string
	now     func() time.Time
}

// NewInsightService creates an InsightService reading from store.
func NewInsightService(store QueryStore, logger *utils.Logger) *InsightService {
	return &InsightService{store: store, logger: logger, now: time.Now}
}

// WithAliases makes category filters resolve through the same alias table
// the cleaner applies at ingest.
func (s *InsightService) WithAliases(aliases map[string]string) *InsightService {
	s.aliases = aliases
	return s
}

// TopN returns the n best products of a category by metric, as of a date.
// A zero AsOf means today; an empty metric means value_score.
func (s *InsightService) TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error) {
	if q.Metric == "" {
		q.Metric = models.MetricValueScore
	}
	if !q.Metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", models.ErrInvalidQuery, q.Metric)
	}
	if q.N <= 0 || q.N > MaxTopN {
		return nil, fmt.Errorf("%w: n must be in [1,%d], got %d", models.ErrInvalidQuery, MaxTopN, q.N)
	}
	q.Category = CategorySlug(q.Category, s.aliases)
	q.AsOf = s.asOf(q.AsOf)

	rows, err := s.store.TopN(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("insights: top %s: %w", q.Metric, err)
	}
	s.logger.Debug("[insights] top %d by %s in %q as of %s: %d rows",
		q.N, q.Metric, q.Category, q.AsOf.Format(models.DateLayout), len(rows))
	return rows, nil
}

// CategoryRollup aggregates the latest snapshot of each product per category.
func (s *InsightService) CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error) {
	q.AsOf = s.asOf(q.AsOf)
	rows, err := s.store.CategoryRollup(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("insights: rollup: %w", err)
	}
	return rows, nil
}

// Trend returns one product's snapshots between From and To, oldest first.
// A zero To means today; a zero From means the beginning of history.
func (s *InsightService) Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error) {
	q.ProductID = strings.TrimSpace(q.ProductID)
	if q.ProductID == "" {
		return nil, fmt.Errorf("%w: product id is required", models.ErrInvalidQuery)
	}
	q.To = s.asOf(q.To)
	if !q.From.IsZero() {
		q.From = models.DateOf(q.From, time.UTC)
	}
	if q.From.After(q.To) {
		return nil, fmt.Errorf("%w: from %s is after to %s", models.ErrInvalidQuery,
			q.From.Format(models.DateLayout), q.To.Format(models.DateLayout))
	}

	rows, err := s.store.Trend(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("insights: trend %s: %w", q.ProductID, err)
	}
	return rows, nil
}

func (s *InsightService) asOf(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return models.DateOf(t, time.UTC)
}

// Report is the console summary printed after a batch.
type Report struct {
	AsOf       time.Time
	Summary    *models.BatchSummary
	TopValue   []models.ProductRecord
	TopPopular []models.ProductRecord
	Rollup     []models.RollupRow
}

// Generate builds a Report with the top n products by value and popularity
// and the category rollup.
func (s *InsightService) Generate(ctx context.Context, asOf time.Time, n int) (*Report, error) {
	r := &Report{AsOf: s.asOf(asOf)}

	var err error
	if r.TopValue, err = s.TopN(ctx, models.TopQuery{Metric: models.MetricValueScore, N: n, AsOf: r.AsOf}); err != nil {
		return nil, err
	}
	if r.TopPopular, err = s.TopN(ctx, models.TopQuery{Metric: models.MetricPopularityIndex, N: n, AsOf: r.AsOf}); err != nil {
		return nil, err
	}
	if r.Rollup, err = s.CategoryRollup(ctx, models.RollupQuery{AsOf: r.AsOf}); err != nil {
		return nil, err
	}
	return r, nil
}

// Print renders r to w.
func (s *InsightService) Print(w io.Writer, r *Report) {
	sep := strings.Repeat("═", 64)
	thin := strings.Repeat("─", 64)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 PRODUCT SNAPSHOT INSIGHTS (%s)\033[0m\n", r.AsOf.Format(models.DateLayout))
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	if sum := r.Summary; sum != nil {
		fmt.Fprintf(w, "\033[1;33m  Batch %s\033[0m\n", sum.RunID)
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  Pages fetched       : \033[1m%d\033[0m (parse failures %d)\n", sum.PagesFetched, sum.ParseFailures)
		fmt.Fprintf(w, "  Records seen        : \033[1m%d\033[0m\n", sum.RecordsSeen)
		fmt.Fprintf(w, "  Valid / invalid     : %d / %d\n", sum.RecordsValid, sum.RecordsInvalid)
		fmt.Fprintf(w, "  Rejected            : %d\n", sum.RecordsRejected)
		fmt.Fprintf(w, "  Duplicates collapsed: %d\n", sum.DuplicatesCollapsed)
		fmt.Fprintf(w, "  Upserts             : %d applied, %d skipped, %d failed\n",
			sum.UpsertsApplied, sum.UpsertsSkipped, sum.UpsertsFailed)
		for _, f := range sum.TargetFailures {
			fmt.Fprintf(w, "  \033[1;31m%-18s\033[0m %s %s\n", f.Kind, f.Target, truncate(f.URL, 40))
		}
		fmt.Fprintln(w)
	}

	printTop(w, thin, "Best Value", r.TopValue, func(p models.ProductRecord) string {
		return fmt.Sprintf("%6.2f", p.ValueScore)
	})
	printTop(w, thin, "Most Popular", r.TopPopular, func(p models.ProductRecord) string {
		return fmt.Sprintf("%8.1f", p.PopularityIndex)
	})

	fmt.Fprintf(w, "\033[1;33m  Categories\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.Rollup) == 0 {
		fmt.Fprintf(w, "  No category data\n")
	}
	for _, row := range r.Rollup {
		rating := "  n/a"
		if row.AvgRating != nil {
			rating = fmt.Sprintf("%.2f★", *row.AvgRating)
		}
		fmt.Fprintf(w, "  %-24s %4d products  avg $%8.2f  %s  %7d reviews\n",
			truncate(row.Category, 24), row.ProductCount, row.AvgPrice, rating, row.TotalReviews)
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func printTop(w io.Writer, thin, title string, rows []models.ProductRecord, score func(models.ProductRecord) string) {
	fmt.Fprintf(w, "\033[1;33m  %s\033[0m\n", title)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(rows) == 0 {
		fmt.Fprintf(w, "  No products found\n\n")
		return
	}
	for i, p := range rows {
		fmt.Fprintf(w, "  \033[1m%2d.\033[0m %-38s $%8s  \033[1;32m%s\033[0m\n",
			i+1, truncate(p.Title, 38), p.Price.StringFixed(2), score(p))
	}
	fmt.Fprintln(w)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
