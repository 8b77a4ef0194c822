package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

const productColumns = `product_id, snapshot_date, title, url, price, price_category, rating,
	review_count, category, scrape_timestamp, value_score, popularity_index, is_valid, validation_issue`

// metricColumns whitelists the ORDER BY column per metric.
var metricColumns = map[models.Metric]string{
	models.MetricValueScore:      "value_score",
	models.MetricPopularityIndex: "popularity_index",
	models.MetricPrice:           "price",
	models.MetricRating:          "rating",
	models.MetricReviewCount:     "review_count",
}

// lookupChunk bounds the number of keys sent in one array parameter.
const lookupChunk = 1000

// PostgresStore persists product snapshots to PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *utils.Logger
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string, logger *utils.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Warn("[postgres] Ping failed (attempt %d/10): %v", i+1, err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: %w: %w", models.ErrStoreUnavailable, ctx.Err())
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w: ping failed after retries: %w", models.ErrStoreUnavailable, err)
	}

	ps := &PostgresStore{db: db, logger: logger}
	if err := ps.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

// Migrate creates the products table and its indexes if they are missing.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			product_id       TEXT             NOT NULL,
			snapshot_date    DATE             NOT NULL,
			title            TEXT             NOT NULL DEFAULT '',
			url              TEXT             NOT NULL DEFAULT '',
			price            NUMERIC(14,2)    NOT NULL CHECK (price >= 0),
			price_category   VARCHAR(16)      NOT NULL DEFAULT '',
			rating           DOUBLE PRECISION CHECK (rating IS NULL OR (rating >= 0 AND rating <= 5)),
			review_count     BIGINT           NOT NULL DEFAULT 0 CHECK (review_count >= 0),
			category         VARCHAR(128)     NOT NULL,
			scrape_timestamp TIMESTAMPTZ      NOT NULL,
			value_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			popularity_index DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_valid         BOOLEAN          NOT NULL DEFAULT TRUE,
			validation_issue VARCHAR(32)      NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, snapshot_date)
		);

		CREATE INDEX IF NOT EXISTS idx_products_snapshot ON products(snapshot_date);
		CREATE INDEX IF NOT EXISTS idx_products_category ON products(category, snapshot_date);
	`)
	return err
}

// Upsert writes rec, replacing any record with the same key, and returns
// the row as committed.
func (ps *PostgresStore) Upsert(ctx context.Context, rec models.ProductRecord) (models.ProductRecord, error) {
	row := ps.db.QueryRowContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (product_id, snapshot_date) DO UPDATE SET
			title            = EXCLUDED.title,
			url              = EXCLUDED.url,
			price            = EXCLUDED.price,
			price_category   = EXCLUDED.price_category,
			rating           = EXCLUDED.rating,
			review_count     = EXCLUDED.review_count,
			category         = EXCLUDED.category,
			scrape_timestamp = EXCLUDED.scrape_timestamp,
			value_score      = EXCLUDED.value_score,
			popularity_index = EXCLUDED.popularity_index,
			is_valid         = EXCLUDED.is_valid,
			validation_issue = EXCLUDED.validation_issue,
			updated_at       = NOW()
		RETURNING `+productColumns,
		rec.ProductID, rec.SnapshotDate.Format(models.DateLayout), rec.Title, rec.URL,
		rec.Price, rec.PriceCategory, nullFloat(rec.Rating), rec.ReviewCount, rec.Category,
		rec.ScrapeTimestamp, rec.ValueScore, rec.PopularityIndex, rec.IsValid, rec.ValidationIssue,
	)

	committed, err := scanRecord(row)
	if err != nil {
		return models.ProductRecord{}, fmt.Errorf("postgres: upsert %s: %w", rec.ProductID, err)
	}
	return committed, nil
}

// Lookup returns the committed records for the keys that exist.
func (ps *PostgresStore) Lookup(ctx context.Context, keys []models.SnapshotKey) (map[models.SnapshotKey]models.ProductRecord, error) {
	found := make(map[models.SnapshotKey]models.ProductRecord, len(keys))
	for i := 0; i < len(keys); i += lookupChunk {
		end := i + lookupChunk
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]string, 0, end-i)
		dates := make([]string, 0, end-i)
		for _, k := range keys[i:end] {
			ids = append(ids, k.ProductID)
			dates = append(dates, k.SnapshotDate)
		}

		rows, err := ps.db.QueryContext(ctx, `
			SELECT `+productColumns+`
			FROM products
			WHERE (product_id, snapshot_date) IN (
				SELECT * FROM unnest($1::text[], $2::date[])
			)`, pq.Array(ids), pq.Array(dates))
		if err != nil {
			return nil, fmt.Errorf("postgres: lookup: %w", err)
		}
		recs, err := scanRecords(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: lookup: %w", err)
		}
		for _, r := range recs {
			found[r.Key()] = r
		}
	}
	return found, nil
}

// PriorSnapshots returns the latest snapshot strictly before the date per
// product.
func (ps *PostgresStore) PriorSnapshots(ctx context.Context, productIDs []string, before time.Time) (map[string]models.ProductRecord, error) {
	prior := make(map[string]models.ProductRecord, len(productIDs))
	if len(productIDs) == 0 {
		return prior, nil
	}
	rows, err := ps.db.QueryContext(ctx, `
		SELECT DISTINCT ON (product_id) `+productColumns+`
		FROM products
		WHERE product_id = ANY($1) AND snapshot_date < $2
		ORDER BY product_id, snapshot_date DESC`,
		pq.Array(productIDs), before.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("postgres: prior snapshots: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: prior snapshots: %w", err)
	}
	for _, r := range recs {
		prior[r.ProductID] = r
	}
	return prior, nil
}

// latestCTE selects the newest snapshot per product dated on or before $1,
// skipping invalid ones unless $2 is true.
const latestCTE = `
	WITH latest AS (
		SELECT DISTINCT ON (product_id) ` + productColumns + `
		FROM products
		WHERE snapshot_date <= $1 AND (is_valid OR $2)
		ORDER BY product_id, snapshot_date DESC
	)`

// TopN ranks the as-of snapshot of every product in the category.
func (ps *PostgresStore) TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error) {
	col, ok := metricColumns[q.Metric]
	if !ok {
		return nil, fmt.Errorf("postgres: top: %w: unknown metric %q", models.ErrInvalidQuery, q.Metric)
	}
	rows, err := ps.db.QueryContext(ctx, latestCTE+`
		SELECT `+productColumns+`
		FROM latest
		WHERE ($3 = '' OR category = $3)
		ORDER BY `+col+` DESC NULLS LAST, product_id ASC
		LIMIT $4`,
		q.AsOf.Format(models.DateLayout), q.IncludeInvalid, q.Category, q.N)
	if err != nil {
		return nil, fmt.Errorf("postgres: top: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: top: %w", err)
	}
	return recs, nil
}

// CategoryRollup aggregates the as-of snapshot of every product.
func (ps *PostgresStore) CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error) {
	rows, err := ps.db.QueryContext(ctx, latestCTE+`
		SELECT
			category,
			COUNT(*)                         AS product_count,
			AVG(price)::float8               AS avg_price,
			AVG(rating)                      AS avg_rating,
			COALESCE(SUM(review_count), 0)   AS total_reviews,
			AVG(value_score)                 AS avg_value_score
		FROM latest
		GROUP BY category
		ORDER BY category`,
		q.AsOf.Format(models.DateLayout), q.IncludeInvalid)
	if err != nil {
		return nil, fmt.Errorf("postgres: rollup: %w", err)
	}
	defer rows.Close()

	var out []models.RollupRow
	for rows.Next() {
		var (
			r         models.RollupRow
			avgRating sql.NullFloat64
		)
		if err := rows.Scan(&r.Category, &r.ProductCount, &r.AvgPrice, &avgRating,
			&r.TotalReviews, &r.AvgValueScore); err != nil {
			return nil, fmt.Errorf("postgres: rollup: scan row: %w", err)
		}
		if avgRating.Valid {
			v := avgRating.Float64
			r.AvgRating = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trend returns one product's snapshots in the range, oldest first.
func (ps *PostgresStore) Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error) {
	from := "0001-01-01"
	if !q.From.IsZero() {
		from = q.From.Format(models.DateLayout)
	}
	rows, err := ps.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = $1 AND snapshot_date BETWEEN $2 AND $3 AND (is_valid OR $4)
		ORDER BY snapshot_date`,
		q.ProductID, from, q.To.Format(models.DateLayout), q.IncludeInvalid)
	if err != nil {
		return nil, fmt.Errorf("postgres: trend: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: trend: %w", err)
	}
	return recs, nil
}

// HealthCheck pings the database.
func (ps *PostgresStore) HealthCheck(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.ProductRecord, error) {
	var (
		r        models.ProductRecord
		snapshot time.Time
		rating   sql.NullFloat64
	)
	if err := row.Scan(
		&r.ProductID, &snapshot, &r.Title, &r.URL, &r.Price, &r.PriceCategory, &rating,
		&r.ReviewCount, &r.Category, &r.ScrapeTimestamp, &r.ValueScore, &r.PopularityIndex,
		&r.IsValid, &r.ValidationIssue,
	); err != nil {
		return models.ProductRecord{}, err
	}
	r.SnapshotDate = models.DateOf(snapshot, snapshot.Location())
	r.ScrapeTimestamp = r.ScrapeTimestamp.UTC()
	if rating.Valid {
		v := rating.Float64
		r.Rating = &v
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]models.ProductRecord, error) {
	defer rows.Close()
	var out []models.ProductRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// IsTransient reports whether a storage error is worth retrying: lost
// connections, serialization failures and server resource exhaustion.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || // connection exception
			strings.HasPrefix(code, "40") || // transaction rollback
			strings.HasPrefix(code, "53") || // insufficient resources
			strings.HasPrefix(code, "57P") // operator intervention
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
