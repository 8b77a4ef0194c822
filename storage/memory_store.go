package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"banggood-pipeline/models"
)

// MemoryStore is an in-process Store used for dry runs and tests.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.SnapshotKey]models.ProductRecord
	// failWith, when set, is returned by every operation.
	failWith error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.SnapshotKey]models.ProductRecord)}
}

// FailWith makes every subsequent call return err; nil restores normal
// behaviour.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Upsert inserts or overwrites the record for its key.
func (m *MemoryStore) Upsert(ctx context.Context, rec models.ProductRecord) (models.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ProductRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return models.ProductRecord{}, m.failWith
	}
	m.records[rec.Key()] = rec
	return rec, nil
}

// Lookup returns the committed records for the keys that exist.
func (m *MemoryStore) Lookup(ctx context.Context, keys []models.SnapshotKey) (map[models.SnapshotKey]models.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	found := make(map[models.SnapshotKey]models.ProductRecord, len(keys))
	for _, k := range keys {
		if rec, ok := m.records[k]; ok {
			found[k] = rec
		}
	}
	return found, nil
}

// PriorSnapshots returns the latest snapshot before the date per product.
func (m *MemoryStore) PriorSnapshots(ctx context.Context, productIDs []string, before time.Time) (map[string]models.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	want := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		want[id] = struct{}{}
	}
	prior := make(map[string]models.ProductRecord)
	for _, rec := range m.records {
		if _, ok := want[rec.ProductID]; !ok || !rec.SnapshotDate.Before(before) {
			continue
		}
		if cur, ok := prior[rec.ProductID]; !ok || rec.SnapshotDate.After(cur.SnapshotDate) {
			prior[rec.ProductID] = rec
		}
	}
	return prior, nil
}

// TopN ranks the as-of snapshot of every product in the category.
func (m *MemoryStore) TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error) {
	latest, err := m.latestAsOf(q.AsOf, q.IncludeInvalid)
	if err != nil {
		return nil, err
	}
	var candidates []models.ProductRecord
	for _, rec := range latest {
		if q.Category == "" || rec.Category == q.Category {
			candidates = append(candidates, rec)
		}
	}
	return rankByMetric(candidates, q.Metric, q.N), nil
}

// CategoryRollup aggregates the as-of snapshot of every product.
func (m *MemoryStore) CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error) {
	latest, err := m.latestAsOf(q.AsOf, q.IncludeInvalid)
	if err != nil {
		return nil, err
	}
	return rollup(latest), nil
}

// Trend returns one product's snapshots in the range, oldest first.
func (m *MemoryStore) Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []models.ProductRecord
	for _, rec := range m.records {
		if rec.ProductID != q.ProductID || (!rec.IsValid && !q.IncludeInvalid) {
			continue
		}
		if rec.SnapshotDate.Before(q.From) || rec.SnapshotDate.After(q.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotDate.Before(out[j].SnapshotDate) })
	return out, nil
}

// latestAsOf picks, per product, the newest snapshot dated on or before asOf.
// Invalid snapshots are skipped unless includeInvalid is set.
func (m *MemoryStore) latestAsOf(asOf time.Time, includeInvalid bool) ([]models.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	latest := make(map[string]models.ProductRecord)
	for _, rec := range m.records {
		if rec.SnapshotDate.After(asOf) || (!rec.IsValid && !includeInvalid) {
			continue
		}
		if cur, ok := latest[rec.ProductID]; !ok || rec.SnapshotDate.After(cur.SnapshotDate) {
			latest[rec.ProductID] = rec
		}
	}
	out := make([]models.ProductRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	return out, nil
}

// All returns every committed record sorted by key.
func (m *MemoryStore) All() []models.ProductRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProductRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.SnapshotDate < b.SnapshotDate
	})
	return out
}

// HealthCheck reports the injected failure, if any.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWith
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
