package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// Action is what the deduplicator decided to do with an incoming record.
type Action string

const (
	ActionInsert  Action = "insert"
	ActionReplace Action = "replace"
	ActionSkip    Action = "skip"
)

// Deduplicator keeps one record per (product_id, snapshot_date).
type Deduplicator struct {
	logger *utils.Logger
}

// NewDeduplicator creates a Deduplicator with the given logger.
func NewDeduplicator(logger *utils.Logger) *Deduplicator {
	return &Deduplicator{logger: logger}
}

// Collapse reduces records to one per key. The later ScrapeTimestamp wins;
// equal timestamps are settled by the higher content fingerprint so the
// outcome does not depend on input order. The result is sorted by key.
func (d *Deduplicator) Collapse(records []*models.ProductRecord) ([]*models.ProductRecord, int) {
	winners := make(map[models.SnapshotKey]*models.ProductRecord, len(records))
	for _, rec := range records {
		key := rec.Key()
		cur, ok := winners[key]
		if !ok || supersedes(rec, cur) {
			winners[key] = rec
		}
	}

	out := make([]*models.ProductRecord, 0, len(winners))
	for _, rec := range winners {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.SnapshotDate < b.SnapshotDate
	})

	collapsed := len(records) - len(out)
	if collapsed > 0 {
		d.logger.Info("[dedup] Collapsed %d duplicate records within the batch", collapsed)
	}
	return out, collapsed
}

// Decide compares an incoming record with the committed one for the same
// key. current is nil when the key has never been written.
func (d *Deduplicator) Decide(incoming *models.ProductRecord, current *models.ProductRecord) Action {
	switch {
	case current == nil:
		return ActionInsert
	case incoming.SameContent(*current):
		return ActionSkip
	}
	return ActionReplace
}

func supersedes(a, b *models.ProductRecord) bool {
	if !a.ScrapeTimestamp.Equal(b.ScrapeTimestamp) {
		return a.ScrapeTimestamp.After(b.ScrapeTimestamp)
	}
	return Fingerprint(a) > Fingerprint(b)
}

// Fingerprint is a stable hash of a record's content, scores excluded.
func Fingerprint(rec *models.ProductRecord) string {
	rating := "null"
	if rec.Rating != nil {
		rating = fmt.Sprintf("%g", *rec.Rating)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d|%s|%t|%s",
		rec.ProductID, rec.Title, rec.URL, rec.Price.String(), rec.PriceCategory,
		rating, rec.ReviewCount, rec.Category, rec.IsValid, rec.ValidationIssue)
	return hex.EncodeToString(h.Sum(nil))
}
