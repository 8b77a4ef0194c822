package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"banggood-pipeline/config"
	"banggood-pipeline/metrics"
	"banggood-pipeline/models"
	"banggood-pipeline/scraper"
	"banggood-pipeline/services"
	"banggood-pipeline/storage"
	"banggood-pipeline/utils"
)

// PageSource streams fetched pages for a set of targets.
type PageSource interface {
	Fetch(ctx context.Context, targets []models.Target, policy config.Policy) <-chan scraper.FetchResult
}

// Store is the part of a storage backend a batch writes through.
type Store interface {
	storage.RecordWriter
	storage.Catalog
}

// BatchRequest is one batch invocation. A zero SnapshotDate stamps records
// with the day they were scraped.
type BatchRequest struct {
	Targets      []models.Target
	Policy       config.Policy
	Weights      config.Weights
	SnapshotDate time.Time
}

// Runner wires the pipeline stages for one batch at a time.
type Runner struct {
	source  PageSource
	parser  *services.Parser
	cleaner *services.Cleaner
	dedup   *services.Deduplicator
	store   Store
	bounds  storage.BoundsStore
	rejects storage.RejectWriter
	logger  *utils.Logger

	scope              string
	halfLife           float64
	parseConcurrency   int
	persistConcurrency int
	retry              utils.RetryConfig

	newRunID func() string
	now      func() time.Time
}

// NewRunner creates a Runner from the pipeline settings in cfg.
func NewRunner(cfg *config.Config, source PageSource, parser *services.Parser, cleaner *services.Cleaner,
	store Store, logger *utils.Logger) *Runner {
	return &Runner{
		source:             source,
		parser:             parser,
		cleaner:            cleaner,
		dedup:              services.NewDeduplicator(logger),
		store:              store,
		logger:             logger,
		scope:              cfg.NormalizationScope,
		halfLife:           cfg.PopularityHalfLife,
		parseConcurrency:   max(cfg.ParseConcurrency, 1),
		persistConcurrency: max(cfg.PersistConcurrency, 1),
		retry: utils.RetryConfig{
			MaxRetries: cfg.PersistMaxRetries,
			BaseDelay:  cfg.PersistBackoffBase,
			Logger:     logger,
		},
		newRunID: func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// WithBounds makes the runner score against running bounds kept in bs
// instead of the bounds of the batch alone.
func (r *Runner) WithBounds(bs storage.BoundsStore) *Runner {
	r.bounds = bs
	return r
}

// WithRejects records every rejected raw listing through w.
func (r *Runner) WithRejects(w storage.RejectWriter) *Runner {
	r.rejects = w
	return r
}

// Run executes one batch. The summary is always returned, also alongside an
// error. The error wraps models.ErrStoreUnavailable when the store could not
// be used at all.
func (r *Runner) Run(ctx context.Context, req BatchRequest) (models.BatchSummary, error) {
	summary := models.BatchSummary{
		RunID:          r.newRunID(),
		StartedAt:      r.now().UTC(),
		TargetFailures: []models.TargetFailure{},
	}
	defer metrics.ObserveDuration(metrics.BatchDuration, time.Now())

	finish := func(err error) (models.BatchSummary, error) {
		summary.FinishedAt = r.now().UTC()
		r.logSummary(summary, err)
		return summary, err
	}

	if err := req.Weights.Validate(); err != nil {
		return finish(fmt.Errorf("pipeline: %w", err))
	}
	if err := req.Policy.Validate(); err != nil {
		return finish(fmt.Errorf("pipeline: %w", err))
	}

	r.logger.Info("[pipeline] Run %s starting: %d targets, up to %d pages each",
		summary.RunID, len(req.Targets), req.Policy.MaxPages)

	raw, err := r.extract(ctx, req, &summary)
	if err != nil {
		return finish(err)
	}

	cleaner := r.cleaner
	if !req.SnapshotDate.IsZero() {
		cleaner = cleaner.ForSnapshot(req.SnapshotDate)
	}
	records, rejected := cleaner.Clean(raw)
	summary.RecordsSeen = len(raw)
	summary.RecordsRejected = len(rejected)
	for _, rec := range records {
		if rec.IsValid {
			summary.RecordsValid++
		} else {
			summary.RecordsInvalid++
		}
	}
	metrics.Records.WithLabelValues("valid").Add(float64(summary.RecordsValid))
	metrics.Records.WithLabelValues("invalid").Add(float64(summary.RecordsInvalid))
	metrics.Records.WithLabelValues("rejected").Add(float64(summary.RecordsRejected))

	if r.rejects != nil && len(rejected) > 0 {
		if err := r.rejects.WriteRejected(summary.RunID, rejected); err != nil {
			r.logger.Warn("[pipeline] Could not write rejected records: %v", err)
		}
	}

	records, summary.DuplicatesCollapsed = r.dedup.Collapse(records)
	if len(records) == 0 {
		return finish(nil)
	}

	current, err := r.lookup(ctx, records)
	if err != nil {
		return finish(err)
	}
	priors, err := r.priors(ctx, records)
	if err != nil {
		return finish(err)
	}

	enricher := services.NewEnricher(req.Weights, r.scope, r.halfLife, r.logger)
	bounds := r.boundsFor(ctx, enricher, records)
	r.enrich(enricher, records, bounds, priors)

	return finish(r.persist(ctx, records, current, &summary))
}

// extract drains the fetcher and parses every page on a bounded pool.
func (r *Runner) extract(ctx context.Context, req BatchRequest, summary *models.BatchSummary) ([]models.RawFields, error) {
	var (
		mu  sync.Mutex
		raw []models.RawFields
	)
	pool := utils.NewWorkerPool(r.parseConcurrency, 0)

	for res := range r.source.Fetch(ctx, req.Targets, req.Policy) {
		if res.Err != nil {
			summary.TargetFailures = append(summary.TargetFailures, targetFailure(res.Err))
			continue
		}
		summary.PagesFetched++
		listing := res.Listing
		err := pool.Submit(ctx, func() {
			fields, err := r.parser.Parse(listing)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("[pipeline] %v", err)
				summary.ParseFailures++
				return
			}
			raw = append(raw, fields...)
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		return raw, fmt.Errorf("pipeline: batch cancelled: %w", err)
	}
	return raw, nil
}

func targetFailure(err error) models.TargetFailure {
	var exhausted *models.TargetExhausted
	if errors.As(err, &exhausted) {
		return models.TargetFailure{
			Target: exhausted.Target,
			Kind:   models.FailureTargetExhausted,
			URL:    exhausted.URL,
			Error:  exhausted.Reason,
		}
	}
	tf := models.TargetFailure{Kind: models.FailureFetch, Error: err.Error()}
	var failure *models.FetchFailure
	if errors.As(err, &failure) {
		tf.Target, tf.URL = failure.Target, failure.URL
	}
	return tf
}

// withStore runs fn under the persistence retry policy. Only transient
// storage errors are retried.
func (r *Runner) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	return r.retry.Do(ctx, op, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !storage.IsTransient(err) {
			return utils.Permanent(err)
		}
		return err
	})
}

// lookup fetches the committed records of the batch keys.
func (r *Runner) lookup(ctx context.Context, records []*models.ProductRecord) (map[models.SnapshotKey]models.ProductRecord, error) {
	keys := make([]models.SnapshotKey, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key())
	}

	var current map[models.SnapshotKey]models.ProductRecord
	_, err := r.withStore(ctx, "catalog lookup", func(ctx context.Context) error {
		var err error
		current, err = r.store.Lookup(ctx, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: catalog lookup: %w: %w", models.ErrStoreUnavailable, err)
	}
	return current, nil
}

// priors returns, per snapshot date of the batch, the latest committed
// snapshot before that date of every product on it.
func (r *Runner) priors(ctx context.Context, records []*models.ProductRecord) (map[string]map[string]models.ProductRecord, error) {
	byDate := make(map[string][]string)
	for _, rec := range records {
		d := rec.Key().SnapshotDate
		byDate[d] = append(byDate[d], rec.ProductID)
	}

	out := make(map[string]map[string]models.ProductRecord, len(byDate))
	for date, ids := range byDate {
		before := models.SnapshotKey{SnapshotDate: date}.Date()
		var found map[string]models.ProductRecord
		_, err := r.withStore(ctx, "prior snapshots", func(ctx context.Context) error {
			var err error
			found, err = r.store.PriorSnapshots(ctx, ids, before)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: prior snapshots: %w: %w", models.ErrStoreUnavailable, err)
		}
		out[date] = found
	}
	return out, nil
}

// boundsFor returns the bounds to score against. Running bounds fall back to
// the batch bounds when the bounds store cannot be reached.
func (r *Runner) boundsFor(ctx context.Context, e *services.Enricher, records []*models.ProductRecord) map[string]models.Bounds {
	batch := e.BatchBounds(records)
	if r.bounds == nil {
		return batch
	}
	merged, err := r.bounds.Extend(ctx, batch)
	if err != nil {
		r.logger.Warn("[pipeline] Running bounds unavailable, scoring with batch bounds: %v", err)
		return batch
	}
	return merged
}

// enrich scores records one snapshot date at a time, oldest first, so a
// product seen on two days in one batch decays from its in-batch prior.
func (r *Runner) enrich(e *services.Enricher, records []*models.ProductRecord,
	bounds map[string]models.Bounds, priors map[string]map[string]models.ProductRecord) {
	byDate := make(map[string][]*models.ProductRecord)
	var dates []string
	for _, rec := range records {
		d := rec.Key().SnapshotDate
		if _, ok := byDate[d]; !ok {
			dates = append(dates, d)
		}
		byDate[d] = append(byDate[d], rec)
	}
	sort.Strings(dates)

	seen := make(map[string]models.ProductRecord)
	for _, d := range dates {
		group := byDate[d]
		prior := make(map[string]models.ProductRecord, len(group))
		for id, p := range priors[d] {
			prior[id] = p
		}
		for _, rec := range group {
			if p, ok := seen[rec.ProductID]; ok {
				prior[rec.ProductID] = p
			}
		}
		e.Enrich(group, bounds, prior)
		for _, rec := range group {
			seen[rec.ProductID] = *rec
		}
	}
}

// persist decides and applies the upsert of every record. Distinct keys are
// written concurrently.
func (r *Runner) persist(ctx context.Context, records []*models.ProductRecord,
	current map[models.SnapshotKey]models.ProductRecord, summary *models.BatchSummary) error {
	var (
		mu        sync.Mutex
		attempted int
		exhausted int
	)
	pool := utils.NewWorkerPool(r.persistConcurrency, 0)

	for _, rec := range records {
		var cur *models.ProductRecord
		if c, ok := current[rec.Key()]; ok {
			cur = &c
		}
		action := r.dedup.Decide(rec, cur)
		if action == services.ActionSkip {
			summary.UpsertsSkipped++
			metrics.Upserts.WithLabelValues(string(action)).Inc()
			continue
		}

		rec := rec
		err := pool.Submit(ctx, func() {
			key := rec.Key()
			_, err := r.withStore(ctx, "upsert "+key.ProductID, func(ctx context.Context) error {
				_, err := r.store.Upsert(ctx, *rec)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			attempted++
			if err != nil {
				perr := &models.PersistenceError{Key: key, Err: err}
				r.logger.Error("[pipeline] %v", perr)
				summary.UpsertsFailed++
				if !utils.IsPermanent(err) {
					exhausted++
				}
				metrics.Upserts.WithLabelValues("failed").Inc()
				return
			}
			summary.UpsertsApplied++
			metrics.Upserts.WithLabelValues(string(action)).Inc()
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: batch cancelled: %w", err)
	}
	if attempted > 0 && exhausted == attempted {
		return fmt.Errorf("pipeline: all %d upserts failed: %w", attempted, models.ErrStoreUnavailable)
	}
	return nil
}

func (r *Runner) logSummary(s models.BatchSummary, err error) {
	r.logger.Info("[pipeline] Run %s: pages=%d parse_failures=%d seen=%d valid=%d invalid=%d rejected=%d collapsed=%d",
		s.RunID, s.PagesFetched, s.ParseFailures, s.RecordsSeen, s.RecordsValid, s.RecordsInvalid,
		s.RecordsRejected, s.DuplicatesCollapsed)
	r.logger.Info("[pipeline] Run %s: applied=%d skipped=%d failed=%d target_failures=%d",
		s.RunID, s.UpsertsApplied, s.UpsertsSkipped, s.UpsertsFailed, len(s.TargetFailures))
	if err != nil {
		r.logger.Error("[pipeline] Run %s ended with error: %v", s.RunID, err)
	}
}
