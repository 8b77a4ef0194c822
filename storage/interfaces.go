package storage

import (
	"context"
	"time"

	"banggood-pipeline/models"
)

// RecordWriter is the single write path into the product store. Upsert is
// atomic per (product_id, snapshot_date) and returns the committed record.
type RecordWriter interface {
	Upsert(ctx context.Context, rec models.ProductRecord) (models.ProductRecord, error)
}

// Catalog is the per-batch lookup of already committed state.
type Catalog interface {
	// Lookup returns the committed record for each key that exists.
	Lookup(ctx context.Context, keys []models.SnapshotKey) (map[models.SnapshotKey]models.ProductRecord, error)
	// PriorSnapshots returns, per product, the latest snapshot dated
	// strictly before the given date.
	PriorSnapshots(ctx context.Context, productIDs []string, before time.Time) (map[string]models.ProductRecord, error)
}

// Reader answers the read-only query contract.
type Reader interface {
	TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error)
	CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error)
	Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error)
}

// Store is a complete product store backend.
type Store interface {
	RecordWriter
	Catalog
	Reader
	HealthCheck(ctx context.Context) error
	Close() error
}

// BoundsStore keeps running normalization bounds across batches.
type BoundsStore interface {
	// Extend widens the stored bounds of each bucket by the batch bounds and
	// returns the result.
	Extend(ctx context.Context, batch map[string]models.Bounds) (map[string]models.Bounds, error)
	Close() error
}

// RejectWriter records rejected raw listings for auditing.
type RejectWriter interface {
	WriteRejected(runID string, rejected []models.Rejection) error
	Close() error
}
