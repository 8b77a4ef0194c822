package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"banggood-pipeline/config"
	"banggood-pipeline/metrics"
	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// PageResponse is what a PageLoader returns for one request.
type PageResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// PageLoader retrieves a single URL. Implementations must honor ctx.
type PageLoader interface {
	Load(ctx context.Context, url string) (*PageResponse, error)
}

// FetchResult is one element of the fetch stream: either a page or a failure
// (*models.FetchFailure or *models.TargetExhausted).
type FetchResult struct {
	Listing *models.RawListing
	Err     error
}

var (
	errNotFound      = errors.New("page not found")
	errTargetStopped = errors.New("target stopped")
)

// blockedError is a definitive block signal from the upstream.
type blockedError struct{ reason string }

func (e *blockedError) Error() string { return "blocked: " + e.reason }

// StatusError is an unexpected HTTP status.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// Fetcher turns targets into a stream of raw listing pages.
type Fetcher struct {
	loader           PageLoader
	logger           *utils.Logger
	baseURL          string
	categoryTemplate string
	searchTemplate   string

	// test hooks for the retry policy
	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

// NewFetcher creates a Fetcher that loads pages through loader.
func NewFetcher(cfg *config.Config, loader PageLoader, logger *utils.Logger) *Fetcher {
	return &Fetcher{
		loader:           loader,
		logger:           logger,
		baseURL:          cfg.SourceBaseURL,
		categoryTemplate: cfg.CategoryURLTemplate,
		searchTemplate:   cfg.SearchURLTemplate,
		now:              time.Now,
	}
}

// targetState is shared by all page jobs of one target.
type targetState struct {
	exhausted atomic.Bool
	// lastPage is the first page that came back not found; 0 while unknown.
	lastPage atomic.Int64
}

// stopped reports whether page no longer needs fetching.
func (s *targetState) stopped(page int) bool {
	if s.exhausted.Load() {
		return true
	}
	last := s.lastPage.Load()
	return last != 0 && int64(page) >= last
}

// endAt records that the target has no pages from page on.
func (s *targetState) endAt(page int) bool {
	for {
		last := s.lastPage.Load()
		if last != 0 && last <= int64(page) {
			return false
		}
		if s.lastPage.CompareAndSwap(last, int64(page)) {
			return true
		}
	}
}

// Fetch starts fetching pages 1..MaxPages of every target and returns a
// channel of results. The channel is closed once all work has drained or
// ctx is cancelled. At most policy.MaxConcurrency requests are outstanding.
func (f *Fetcher) Fetch(ctx context.Context, targets []models.Target, policy config.Policy) <-chan FetchResult {
	out := make(chan FetchResult)
	pool := utils.NewWorkerPool(policy.MaxConcurrency, policy.MinInterval)

	states := make(map[models.Target]*targetState, len(targets))
	for _, t := range targets {
		states[t] = &targetState{}
	}

	go func() {
		defer close(out)
		defer pool.Wait()

		seen := utils.NewKeySet()
		// Breadth-first so every target makes progress before deep pages.
		for page := 1; page <= policy.MaxPages; page++ {
			for _, t := range targets {
				st := states[t]
				if st.stopped(page) {
					continue
				}
				pageURL := f.pageURL(t, page)
				if !seen.Add(pageURL) {
					continue
				}
				t, page := t, page
				err := pool.Submit(ctx, func() {
					f.fetchPage(ctx, pool, policy, st, t, page, pageURL, out)
				})
				if err != nil {
					f.logger.Info("[fetcher] Batch cancelled, no further pages scheduled")
					return
				}
			}
		}
	}()

	return out
}

func (f *Fetcher) fetchPage(ctx context.Context, pool *utils.WorkerPool, policy config.Policy,
	st *targetState, t models.Target, page int, pageURL string, out chan<- FetchResult) {
	if st.stopped(page) {
		return
	}

	retry := &utils.RetryConfig{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BackoffBase,
		Logger:     f.logger,
		Jitter:     f.jitter,
		Sleep:      f.sleep,
	}

	var resp *PageResponse
	first := true
	attempts, err := retry.Do(ctx, "fetch "+pageURL, func(ctx context.Context) error {
		if !first {
			if err := pool.Pace(ctx); err != nil {
				return err
			}
		}
		first = false
		if st.stopped(page) {
			return utils.Permanent(errTargetStopped)
		}
		r, err := f.attempt(ctx, policy.RequestTimeout, pageURL)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	switch {
	case err == nil:
		metrics.PageFetches.WithLabelValues("ok").Inc()
		f.emit(ctx, out, FetchResult{Listing: &models.RawListing{
			Target:      t,
			Page:        page,
			SourceURL:   pageURL,
			ContentType: resp.ContentType,
			Body:        resp.Body,
			FetchedAt:   f.now(),
		}})
	case errors.Is(err, errTargetStopped):
	case errors.Is(err, errNotFound):
		metrics.PageFetches.WithLabelValues("not_found").Inc()
		if st.endAt(page) {
			f.logger.Info("[fetcher] %s ends at page %d (%s)", t, page, pageURL)
		}
	case ctx.Err() != nil:
		f.logger.Debug("[fetcher] %s abandoned: %v", pageURL, ctx.Err())
	default:
		var blocked *blockedError
		if errors.As(err, &blocked) {
			metrics.PageFetches.WithLabelValues("blocked").Inc()
			if st.exhausted.CompareAndSwap(false, true) {
				f.logger.Warn("[fetcher] Target %s blocked at %s: %s", t, pageURL, blocked.reason)
				f.emit(ctx, out, FetchResult{Err: &models.TargetExhausted{Target: t, URL: pageURL, Reason: blocked.reason}})
			}
			return
		}
		metrics.PageFetches.WithLabelValues("failed").Inc()
		f.logger.Warn("[fetcher] Page %s failed after %d attempts: %v", pageURL, attempts, err)
		f.emit(ctx, out, FetchResult{Err: &models.FetchFailure{Target: t, URL: pageURL, Attempts: attempts, Err: err}})
	}
}

// attempt performs one request under its own timeout and classifies the
// response. Transient failures are returned plain; everything else is
// wrapped with utils.Permanent.
func (f *Fetcher) attempt(ctx context.Context, timeout time.Duration, pageURL string) (*PageResponse, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := f.loader.Load(actx, pageURL)
	metrics.ObserveDuration(metrics.PageFetchDuration, start)
	if err != nil {
		metrics.PageFetches.WithLabelValues("retry").Inc()
		return nil, err
	}

	switch code := resp.StatusCode; {
	case code == 403 || code == 451:
		return nil, utils.Permanent(&blockedError{reason: "status " + strconv.Itoa(code)})
	case code == 404 || code == 410:
		return nil, utils.Permanent(errNotFound)
	case code == 408 || code == 429 || code >= 500:
		metrics.PageFetches.WithLabelValues("retry").Inc()
		return nil, &StatusError{Code: code}
	case code >= 300:
		return nil, utils.Permanent(&StatusError{Code: code})
	}

	if reason := detectBlock(resp); reason != "" {
		return nil, utils.Permanent(&blockedError{reason: reason})
	}
	return resp, nil
}

func (f *Fetcher) emit(ctx context.Context, out chan<- FetchResult, r FetchResult) {
	select {
	case out <- r:
	case <-ctx.Done():
	}
}

// pageURL expands the target's template: {base}, {value} and {page}.
func (f *Fetcher) pageURL(t models.Target, page int) string {
	tmpl := f.categoryTemplate
	value := url.PathEscape(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t.Value)), " ", "-"))
	if t.Kind == models.TargetSearch {
		tmpl = f.searchTemplate
		value = url.PathEscape(strings.TrimSpace(t.Value))
	}
	return strings.NewReplacer(
		"{base}", f.baseURL,
		"{value}", value,
		"{page}", strconv.Itoa(page),
	).Replace(tmpl)
}
