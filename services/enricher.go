package services

import (
	"math"

	"banggood-pipeline/config"
	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// GlobalBucket is the bounds bucket used when normalization is global.
const GlobalBucket = "*"

// Enricher computes Value Score and Popularity Index. Its output depends only
// on its inputs.
type Enricher struct {
	weights  config.Weights
	scope    string
	halfLife float64
	logger   *utils.Logger
}

// NewEnricher creates an Enricher. scope is config.ScopeCategory or
// config.ScopeGlobal; halfLifeDays 0 disables popularity decay.
func NewEnricher(weights config.Weights, scope string, halfLifeDays float64, logger *utils.Logger) *Enricher {
	return &Enricher{weights: weights, scope: scope, halfLife: halfLifeDays, logger: logger}
}

// Bucket returns the bounds bucket a record is normalized in.
func (e *Enricher) Bucket(rec *models.ProductRecord) string {
	if e.scope == config.ScopeGlobal {
		return GlobalBucket
	}
	return rec.Category
}

// BatchBounds computes per-bucket bounds over the valid records.
func (e *Enricher) BatchBounds(records []*models.ProductRecord) map[string]models.Bounds {
	bounds := make(map[string]models.Bounds)
	for _, rec := range records {
		if !rec.IsValid {
			continue
		}
		key := e.Bucket(rec)
		b := bounds[key]
		b.Observe(rec)
		bounds[key] = b
	}
	return bounds
}

// Enrich scores every record in place. priors maps product id to the most
// recent earlier snapshot of that product, if any.
func (e *Enricher) Enrich(records []*models.ProductRecord, bounds map[string]models.Bounds, priors map[string]models.ProductRecord) {
	for _, rec := range records {
		var prior *models.ProductRecord
		if p, ok := priors[rec.ProductID]; ok {
			prior = &p
		}
		e.Score(rec, bounds[e.Bucket(rec)], prior)
	}
	e.logger.Debug("[enricher] Scored %d records across %d buckets", len(records), len(bounds))
}

// Score sets ValueScore and PopularityIndex on rec. Invalid records score 0.
func (e *Enricher) Score(rec *models.ProductRecord, b models.Bounds, prior *models.ProductRecord) {
	if !rec.IsValid {
		rec.ValueScore = 0
		rec.PopularityIndex = 0
		return
	}
	rec.ValueScore = e.ValueScore(rec, b)
	rec.PopularityIndex = e.PopularityIndex(rec, prior)
}

// ValueScore is 100 × (w1·norm(rating) + w2·norm(reviews) − w3·norm(price)).
// The result lies in [-100·w3, 100·(w1+w2)]. A missing rating normalizes to 0.
func (e *Enricher) ValueScore(rec *models.ProductRecord, b models.Bounds) float64 {
	ratingNorm := 0.0
	if rec.Rating != nil {
		ratingNorm = b.Rating.Norm(*rec.Rating)
	}
	reviewsNorm := b.Reviews.Norm(float64(rec.ReviewCount))
	priceNorm := b.Price.Norm(rec.Price.InexactFloat64())

	return 100 * (e.weights.Rating*ratingNorm +
		e.weights.Reviews*reviewsNorm -
		e.weights.Price*priceNorm)
}

// PopularityIndex is review_count × (1 + rating/5) × decay, where decay halves
// every half-life days since the prior snapshot.
func (e *Enricher) PopularityIndex(rec *models.ProductRecord, prior *models.ProductRecord) float64 {
	return float64(rec.ReviewCount) * (1 + rec.RatingValue()/5) * e.decay(rec, prior)
}

func (e *Enricher) decay(rec *models.ProductRecord, prior *models.ProductRecord) float64 {
	if prior == nil || e.halfLife <= 0 {
		return 1
	}
	days := rec.SnapshotDate.Sub(prior.SnapshotDate).Hours() / 24
	if days <= 0 {
		return 1
	}
	return math.Pow(0.5, days/e.halfLife)
}
