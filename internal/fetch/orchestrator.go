package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Indexer rebuilds the derived aggregates after a range completes.
// Implemented by analytics.Engine.
type Indexer interface {
	ComputeZScores(ctx context.Context, key models.RangeKey) error
	RebuildWordFrequencies(ctx context.Context, key models.RangeKey) error
}

// Orchestrator reconciles the paginated source API against the local cache:
// it serves completed ranges from the store, resumes partial fetches from
// their saved cursor, and walks pages with backoff on transient failures.
type Orchestrator struct {
	store   storage.Store
	source  github.Source
	indexer Indexer
	backoff github.BackoffPolicy
	clock   github.Clock
	group   singleflight.Group
	locks   sync.Map // range key -> *sync.Mutex
	logger  *logrus.Logger
}

// NewOrchestrator wires the fetch pipeline together.
func NewOrchestrator(store storage.Store, source github.Source, indexer Indexer, backoff github.BackoffPolicy, clock github.Clock, logger *logrus.Logger) *Orchestrator {
	if clock == nil {
		clock = github.RealClock()
	}
	return &Orchestrator{
		store:   store,
		source:  source,
		indexer: indexer,
		backoff: backoff,
		clock:   clock,
		logger:  logger,
	}
}

// EnsureData makes the store complete for the given range, fetching from the
// source as needed. Concurrent calls for the same range are coalesced into
// one page walk; a caller whose context ends first gets a "still working"
// result while the walk finishes in the background. Failures come back in
// the result, not as an error, so callers can fall back to stale data.
func (o *Orchestrator) EnsureData(ctx context.Context, owner, name string, start, end time.Time, forceRefresh bool) models.FetchResult {
	key := models.NewRangeKey(owner, name, start, end)

	// An in-flight walk is cheap to let finish: every page is idempotent and
	// the cursor is durable, so detach it from the caller's lifetime.
	bg := context.WithoutCancel(ctx)

	ch := o.group.DoChan(flightKey(key, forceRefresh), func() (interface{}, error) {
		return o.ensure(bg, owner, name, key, forceRefresh), nil
	})

	select {
	case <-ctx.Done():
		return models.FetchResult{
			Success: false,
			Message: fmt.Sprintf("fetch for %s still in progress", key.Repository),
		}
	case res := <-ch:
		return res.Val.(models.FetchResult)
	}
}

// flightKey keeps forced refreshes from being coalesced into a plain
// cache-checking call that may return before any page is refetched. The two
// flights still cannot walk pages concurrently: ensure serializes on a
// per-range lock, so the later one sees the earlier one's completed cache.
func flightKey(key models.RangeKey, forceRefresh bool) string {
	if forceRefresh {
		return key.String() + "!force"
	}
	return key.String()
}

// rangeLock returns the mutex serializing all fetch work for one range.
func (o *Orchestrator) rangeLock(key models.RangeKey) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(key.String(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (o *Orchestrator) ensure(ctx context.Context, owner, name string, key models.RangeKey, forceRefresh bool) models.FetchResult {
	mu := o.rangeLock(key)
	mu.Lock()
	defer mu.Unlock()

	log := o.logger.WithFields(logrus.Fields{
		"repository": key.Repository,
		"start":      key.Start.Format("2006-01-02"),
		"end":        key.End.Format("2006-01-02"),
	})

	// An empty range holds no commits by construction.
	if key.Empty() {
		if _, err := o.store.BeginOrResumeRange(ctx, key); err != nil {
			return failure("initialize range: %v", err)
		}
		if err := o.store.CompleteRange(ctx, key); err != nil {
			return failure("complete empty range: %v", err)
		}
		return models.FetchResult{Success: true, Message: "empty range, nothing to fetch"}
	}

	if !forceRefresh {
		cr, err := o.store.GetCacheRange(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return failure("look up cache range: %v", err)
		}
		if cr != nil && cr.Completed {
			log.Debug("cache hit, no fetch needed")
			return o.finish(ctx, key, 0, true, forceRefresh)
		}
	}

	cr, err := o.store.BeginOrResumeRange(ctx, key)
	if err != nil {
		return failure("initialize range: %v", err)
	}

	if forceRefresh {
		if err := o.store.InvalidateRange(ctx, key); err != nil {
			return failure("invalidate range: %v", err)
		}
		cr.Completed = false
		cr.LastCursor = nil
		log.Info("forced refresh, re-walking all pages")
	} else if cr.LastCursor != nil {
		log.WithField("cursor", *cr.LastCursor).Info("resuming partial fetch")
	}

	if err := o.validateWithRetry(ctx, owner, name); err != nil {
		return failure("validate repository: %v", err)
	}

	pages, err := o.walkPages(ctx, owner, name, key, cr.LastCursor, log)
	if err != nil {
		// Cursor stays at the last durably advanced position; a later call
		// resumes from there.
		return models.FetchResult{
			Success:      false,
			Message:      fmt.Sprintf("fetch failed after %d page(s): %v", pages, err),
			PagesFetched: pages,
		}
	}

	if err := o.store.CompleteRange(ctx, key); err != nil {
		return failure("mark range completed: %v", err)
	}
	log.WithField("pages", pages).Info("range fetch completed")

	return o.finish(ctx, key, pages, false, forceRefresh)
}

// walkPages runs the cursor walk. Each page is persisted together with its
// cursor in one transaction before the next page is requested, so a crash
// costs at most one redundant page on resume.
func (o *Orchestrator) walkPages(ctx context.Context, owner, name string, key models.RangeKey, cursor *string, log *logrus.Entry) (int, error) {
	pages := 0
	for {
		page, err := o.fetchPageWithRetry(ctx, owner, name, key, cursor)
		if err != nil {
			return pages, err
		}
		pages++

		if page.EndCursor != nil {
			if err := o.store.AdvancePage(ctx, key, page.Commits, *page.EndCursor); err != nil {
				return pages, fmt.Errorf("persist page: %w", err)
			}
		} else if err := o.store.UpsertCommits(ctx, page.Commits); err != nil {
			return pages, fmt.Errorf("persist page: %w", err)
		}

		log.WithFields(logrus.Fields{"page": pages, "commits": len(page.Commits)}).Debug("page persisted")

		if !page.HasNextPage {
			return pages, nil
		}
		cursor = page.EndCursor
	}
}

func (o *Orchestrator) fetchPageWithRetry(ctx context.Context, owner, name string, key models.RangeKey, cursor *string) (*github.CommitPage, error) {
	var lastErr error
	for attempt := 0; attempt < o.backoff.MaxAttempts; attempt++ {
		page, err := o.source.FetchCommitPage(ctx, owner, name, key.Start, key.End, cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !github.IsTransient(err) {
			return nil, err
		}
		if attempt+1 >= o.backoff.MaxAttempts {
			break
		}

		delay := o.backoff.Delay(attempt)
		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) && !rateErr.ResetAt.IsZero() {
			if wait := rateErr.ResetAt.Sub(o.clock.Now()); wait > delay {
				delay = wait
			}
		}

		o.logger.WithError(err).WithFields(logrus.Fields{
			"repository": key.Repository,
			"attempt":    attempt + 1,
			"delay":      delay.String(),
		}).Warn("transient fetch error, backing off")

		if err := o.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (o *Orchestrator) validateWithRetry(ctx context.Context, owner, name string) error {
	var lastErr error
	for attempt := 0; attempt < o.backoff.MaxAttempts; attempt++ {
		err := o.source.ValidateRepo(ctx, owner, name)
		if err == nil {
			return nil
		}
		lastErr = err
		if !github.IsTransient(err) || attempt+1 >= o.backoff.MaxAttempts {
			return err
		}
		if err := o.clock.Sleep(ctx, o.backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// finish recomputes derived aggregates and assembles the success result.
// Word frequencies are rebuilt when missing (first completion) or when the
// underlying commit set was forcibly refetched.
func (o *Orchestrator) finish(ctx context.Context, key models.RangeKey, pages int, cacheUsed, forceRefresh bool) models.FetchResult {
	if !cacheUsed {
		if err := o.indexer.ComputeZScores(ctx, key); err != nil {
			o.logger.WithError(err).Warn("z-score computation failed")
		}
	}

	hasWords, err := o.store.HasWordFrequencies(ctx, key)
	if err != nil {
		o.logger.WithError(err).Warn("word frequency lookup failed")
	}
	if !hasWords || forceRefresh {
		if err := o.indexer.RebuildWordFrequencies(ctx, key); err != nil {
			o.logger.WithError(err).Warn("word frequency rebuild failed")
		}
	}

	count, err := o.store.CountCommits(ctx, key)
	if err != nil {
		o.logger.WithError(err).Warn("commit count failed")
	}

	msg := "data fetched successfully"
	if cacheUsed {
		msg = "using cached data"
	}
	return models.FetchResult{
		Success:      true,
		Message:      msg,
		PagesFetched: pages,
		CommitCount:  count,
		CacheUsed:    cacheUsed,
	}
}

func failure(format string, args ...interface{}) models.FetchResult {
	return models.FetchResult{Success: false, Message: fmt.Sprintf(format, args...)}
}
