package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

var recordColumns = []string{
	"product_id", "snapshot_date", "title", "url", "price", "price_category", "rating",
	"review_count", "category", "scrape_timestamp", "value_score", "popularity_index",
	"is_valid", "validation_issue",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresStore{db: db, logger: utils.NewNopLogger()}, mock
}

var (
	snapshotDay = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	scrapedAt   = time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC)
)

func sampleRecord() models.ProductRecord {
	rating := 4.5
	return models.ProductRecord{
		ProductID:       "BG123",
		Title:           "Cordless Drill",
		URL:             "https://www.banggood.com/drill-p-123.html",
		Price:           decimal.RequireFromString("19.99"),
		PriceCategory:   "budget",
		Rating:          &rating,
		ReviewCount:     230,
		Category:        "tools",
		SnapshotDate:    snapshotDay,
		ScrapeTimestamp: scrapedAt,
		ValueScore:      52.5,
		PopularityIndex: 437,
		IsValid:         true,
	}
}

func recordRow(rows *sqlmock.Rows, r models.ProductRecord) *sqlmock.Rows {
	var rating driver.Value
	if r.Rating != nil {
		rating = *r.Rating
	}
	return rows.AddRow(r.ProductID, r.SnapshotDate, r.Title, r.URL, r.Price.String(), r.PriceCategory,
		rating, r.ReviewCount, r.Category, r.ScrapeTimestamp, r.ValueScore, r.PopularityIndex,
		r.IsValid, r.ValidationIssue)
}

func TestPostgresUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(`INSERT INTO products .* ON CONFLICT \(product_id, snapshot_date\) DO UPDATE SET .* RETURNING`).
		WithArgs("BG123", "2024-05-10", "Cordless Drill", rec.URL, "19.99", "budget", 4.5,
			int64(230), "tools", scrapedAt, 52.5, 437.0, true, "").
		WillReturnRows(recordRow(sqlmock.NewRows(recordColumns), rec))

	got, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, got.SameContent(rec), "committed record should round-trip: %+v", got)
	assert.Equal(t, rec.Key(), got.Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertNullRating(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()
	rec.Rating = nil
	rec.IsValid = false
	rec.ValidationIssue = string(models.InvalidRating)

	mock.ExpectQuery(`INSERT INTO products`).
		WithArgs("BG123", "2024-05-10", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			false, "invalid_rating").
		WillReturnRows(recordRow(sqlmock.NewRows(recordColumns), rec))

	got, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Nil(t, got.Rating)
	assert.False(t, got.IsValid)
}

func TestPostgresUpsertError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO products`).WillReturnError(&pq.Error{Code: "40001"})

	_, err := store.Upsert(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPostgresLookup(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(`FROM products\s+WHERE \(product_id, snapshot_date\) IN \(\s+SELECT \* FROM unnest\(\$1::text\[\], \$2::date\[\]\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(recordRow(sqlmock.NewRows(recordColumns), rec))

	found, err := store.Lookup(context.Background(), []models.SnapshotKey{
		rec.Key(),
		{ProductID: "BG999", SnapshotDate: "2024-05-10"},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Cordless Drill", found[rec.Key()].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPriorSnapshots(t *testing.T) {
	store, mock := newMockStore(t)
	prior := sampleRecord()
	prior.SnapshotDate = snapshotDay.AddDate(0, 0, -7)

	mock.ExpectQuery(`SELECT DISTINCT ON \(product_id\).*snapshot_date < \$2`).
		WithArgs(sqlmock.AnyArg(), "2024-05-10").
		WillReturnRows(recordRow(sqlmock.NewRows(recordColumns), prior))

	got, err := store.PriorSnapshots(context.Background(), []string{"BG123"}, snapshotDay)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-03", got["BG123"].Key().SnapshotDate)

	empty, err := store.PriorSnapshots(context.Background(), nil, snapshotDay)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTopN(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(`WITH latest AS .* FROM latest\s+WHERE \(\$3 = '' OR category = \$3\)\s+ORDER BY popularity_index DESC NULLS LAST, product_id ASC\s+LIMIT \$4`).
		WithArgs("2024-05-10", false, "tools", 5).
		WillReturnRows(recordRow(sqlmock.NewRows(recordColumns), rec))

	rows, err := store.TopN(context.Background(), models.TopQuery{
		Category: "tools", Metric: models.MetricPopularityIndex, N: 5, AsOf: snapshotDay,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BG123", rows[0].ProductID)

	_, err = store.TopN(context.Background(), models.TopQuery{Metric: "bogus", N: 5})
	assert.ErrorIs(t, err, models.ErrInvalidQuery)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCategoryRollup(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`GROUP BY category\s+ORDER BY category`).
		WithArgs("2024-05-10", true).
		WillReturnRows(sqlmock.NewRows([]string{"category", "product_count", "avg_price", "avg_rating", "total_reviews", "avg_value_score"}).
			AddRow("tools", int64(2), 12.5, 4.25, int64(300), 61.0).
			AddRow("toys", int64(1), 3.0, nil, int64(0), 50.0))

	rows, err := store.CategoryRollup(context.Background(), models.RollupQuery{AsOf: snapshotDay, IncludeInvalid: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].ProductCount)
	require.NotNil(t, rows[0].AvgRating)
	assert.InDelta(t, 4.25, *rows[0].AvgRating, 1e-9)
	assert.Nil(t, rows[1].AvgRating)
	assert.Equal(t, int64(300), rows[0].TotalReviews)
}

func TestPostgresTrend(t *testing.T) {
	store, mock := newMockStore(t)
	a := sampleRecord()
	b := sampleRecord()
	b.SnapshotDate = snapshotDay.AddDate(0, 0, 1)

	mock.ExpectQuery(`WHERE product_id = \$1 AND snapshot_date BETWEEN \$2 AND \$3`).
		WithArgs("BG123", "0001-01-01", "2024-05-11", false).
		WillReturnRows(recordRow(recordRow(sqlmock.NewRows(recordColumns), a), b))

	rows, err := store.Trend(context.Background(), models.TrendQuery{ProductID: "BG123", To: snapshotDay.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].SnapshotDate.Before(rows[1].SnapshotDate))
}

func TestPostgresHealthCheck(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(&pq.Error{Code: "57P03"})

	err := store.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped serialization failure", fmt.Errorf("upsert: %w", &pq.Error{Code: "40001"}), true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
