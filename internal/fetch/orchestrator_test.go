package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/analytics"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

var (
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

// scriptedCall is one response of the fake source, either a page or an error.
type scriptedCall struct {
	page *github.CommitPage
	err  error
}

// fakeSource plays back scripted pages and records every cursor it was asked
// for.
type fakeSource struct {
	mu          sync.Mutex
	calls       []scriptedCall
	next        int
	validateErr error

	fetchCalls    int
	validateCalls int
	cursorsSeen   []*string
}

func (f *fakeSource) ValidateRepo(ctx context.Context, owner, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	return f.validateErr
}

func (f *fakeSource) FetchCommitPage(ctx context.Context, owner, name string, since, until time.Time, cursor *string) (*github.CommitPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.cursorsSeen = append(f.cursorsSeen, cursor)

	if f.next >= len(f.calls) {
		return nil, fmt.Errorf("unexpected fetch call %d", f.fetchCalls)
	}
	call := f.calls[f.next]
	f.next++
	return call.page, call.err
}

// fakeClock never sleeps; it records requested delays instead.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func page(shas []string, cursor string, hasNext bool) *github.CommitPage {
	commits := make([]*models.Commit, len(shas))
	for i, sha := range shas {
		commits[i] = &models.Commit{
			SHA:          sha,
			Repository:   "acme/widgets",
			AuthorName:   "alice",
			AuthorDate:   testStart.Add(time.Duration(i+1) * 24 * time.Hour),
			MessageTitle: "fix parser bug",
			Additions:    10,
			Deletions:    5,
		}
	}
	p := &github.CommitPage{Commits: commits, HasNextPage: hasNext}
	if cursor != "" {
		p.EndCursor = &cursor
	}
	return p
}

func setup(t *testing.T, source github.Source, policy github.BackoffPolicy) (*Orchestrator, storage.Store, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := storage.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := analytics.NewEngine(store, logger)
	return NewOrchestrator(store, source, engine, policy, clock, logger), store, clock
}

func quickBackoff() github.BackoffPolicy {
	return github.BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}
}

func TestEnsureDataWalksAllPages(t *testing.T) {
	source := &fakeSource{calls: []scriptedCall{
		{page: page([]string{"aaa", "bbb"}, "cursor-1", true)},
		{page: page([]string{"ccc"}, "cursor-2", false)},
	}}
	o, store, _ := setup(t, source, quickBackoff())
	ctx := context.Background()

	result := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, 2, result.PagesFetched)
	assert.Equal(t, 3, result.CommitCount)
	assert.False(t, result.CacheUsed)

	// First page starts from nil, second from the first page's cursor.
	require.Len(t, source.cursorsSeen, 2)
	assert.Nil(t, source.cursorsSeen[0])
	require.NotNil(t, source.cursorsSeen[1])
	assert.Equal(t, "cursor-1", *source.cursorsSeen[1])

	key := models.NewRangeKey("acme", "widgets", testStart, testEnd)
	cr, err := store.GetCacheRange(ctx, key)
	require.NoError(t, err)
	assert.True(t, cr.Completed)

	// Derived aggregates exist after completion.
	commits, err := store.QueryCommits(ctx, key, models.CommitFilter{})
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for _, c := range commits {
		assert.NotNil(t, c.ZScore, "z-scores computed for %s", c.SHA)
	}
	has, err := store.HasWordFrequencies(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEnsureDataCacheHit(t *testing.T) {
	source := &fakeSource{calls: []scriptedCall{
		{page: page([]string{"aaa"}, "", false)},
	}}
	o, _, _ := setup(t, source, quickBackoff())
	ctx := context.Background()

	first := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.True(t, first.Success, first.Message)
	fetchesAfterFirst := source.fetchCalls

	second := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.True(t, second.Success, second.Message)
	assert.True(t, second.CacheUsed)
	assert.Equal(t, 1, second.CommitCount)
	assert.Equal(t, fetchesAfterFirst, source.fetchCalls, "cache hit must not touch the source")
}

func TestEnsureDataResumesFromSavedCursor(t *testing.T) {
	boom := errors.New("unexpected EOF from upstream (502)")
	source := &fakeSource{calls: []scriptedCall{
		{page: page([]string{"aaa"}, "cursor-1", true)},
		{err: boom}, {err: boom}, {err: boom}, // exhausts retries
	}}
	o, store, _ := setup(t, source, quickBackoff())
	ctx := context.Background()
	key := models.NewRangeKey("acme", "widgets", testStart, testEnd)

	result := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.False(t, result.Success)
	assert.Equal(t, 1, result.PagesFetched)

	// The first page and its cursor survived the failure.
	cr, err := store.GetCacheRange(ctx, key)
	require.NoError(t, err)
	assert.False(t, cr.Completed)
	require.NotNil(t, cr.LastCursor)
	assert.Equal(t, "cursor-1", *cr.LastCursor)

	// Next call resumes from the saved cursor instead of page one.
	source.mu.Lock()
	source.calls = append(source.calls, scriptedCall{page: page([]string{"bbb"}, "cursor-2", false)})
	source.mu.Unlock()

	result = o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, 2, result.CommitCount)

	last := source.cursorsSeen[len(source.cursorsSeen)-1]
	require.NotNil(t, last)
	assert.Equal(t, "cursor-1", *last)
}

func TestEnsureDataForceRefreshRefetches(t *testing.T) {
	source := &fakeSource{calls: []scriptedCall{
		{page: page([]string{"aaa", "bbb"}, "", false)},
		{page: page([]string{"aaa", "bbb"}, "", false)},
	}}
	o, store, _ := setup(t, source, quickBackoff())
	ctx := context.Background()
	key := models.NewRangeKey("acme", "widgets", testStart, testEnd)

	first := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.True(t, first.Success, first.Message)

	second := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, true)
	require.True(t, second.Success, second.Message)
	assert.False(t, second.CacheUsed)
	assert.Equal(t, 2, source.fetchCalls, "forced refresh must refetch")

	// Refetch upserts over the existing rows instead of duplicating them.
	count, err := store.CountCommits(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEnsureDataEmptyRange(t *testing.T) {
	source := &fakeSource{}
	o, _, _ := setup(t, source, quickBackoff())

	result := o.EnsureData(context.Background(), "acme", "widgets", testStart, testStart, false)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, 0, result.CommitCount)
	assert.Equal(t, 0, source.fetchCalls)
	assert.Equal(t, 0, source.validateCalls)
}

func TestEnsureDataRepoNotFound(t *testing.T) {
	source := &fakeSource{
		validateErr: &github.RepoNotFoundError{Owner: "acme", Name: "gone"},
	}
	o, _, _ := setup(t, source, quickBackoff())

	result := o.EnsureData(context.Background(), "acme", "gone", testStart, testEnd, false)
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "not found")
	assert.Equal(t, 1, source.validateCalls, "permanent errors are not retried")
	assert.Equal(t, 0, source.fetchCalls)
}

func TestEnsureDataWaitsForRateLimitReset(t *testing.T) {
	resetAt := time.Date(2024, 6, 1, 12, 10, 0, 0, time.UTC)
	source := &fakeSource{calls: []scriptedCall{
		{err: &github.RateLimitError{ResetAt: resetAt}},
		{page: page([]string{"aaa"}, "", false)},
	}}
	o, _, clock := setup(t, source, quickBackoff())

	result := o.EnsureData(context.Background(), "acme", "widgets", testStart, testEnd, false)
	require.True(t, result.Success, result.Message)

	// The retry delay honors the reset timestamp, not just the base backoff.
	require.NotEmpty(t, clock.slept)
	assert.GreaterOrEqual(t, clock.slept[0], resetAt.Sub(clock.now))
}

func TestEnsureDataMalformedPageFailsWithoutAdvancing(t *testing.T) {
	source := &fakeSource{calls: []scriptedCall{
		{page: page([]string{"aaa"}, "cursor-1", true)},
		{err: &github.MalformedResponseError{Reason: "commit node without oid"}},
	}}
	o, store, clock := setup(t, source, quickBackoff())
	ctx := context.Background()
	key := models.NewRangeKey("acme", "widgets", testStart, testEnd)

	result := o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	require.False(t, result.Success)
	assert.Equal(t, 1, result.PagesFetched)
	assert.Equal(t, 2, source.fetchCalls, "a malformed page is permanent, not retried")
	assert.Empty(t, clock.slept)

	// The cursor still points at the last good page; nothing was skipped.
	cr, err := store.GetCacheRange(ctx, key)
	require.NoError(t, err)
	assert.False(t, cr.Completed)
	require.NotNil(t, cr.LastCursor)
	assert.Equal(t, "cursor-1", *cr.LastCursor)
}

// gatedSource blocks its first page fetch until released, holding open the
// window in which a second caller could start a walk for the same range.
type gatedSource struct {
	fakeSource
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) FetchCommitPage(ctx context.Context, owner, name string, since, until time.Time, cursor *string) (*github.CommitPage, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.fakeSource.FetchCommitPage(ctx, owner, name, since, until, cursor)
}

func TestEnsureDataForceAndPlainShareOneWalk(t *testing.T) {
	source := &gatedSource{
		fakeSource: fakeSource{calls: []scriptedCall{
			{page: page([]string{"aaa"}, "", false)},
		}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	o, _, _ := setup(t, source, quickBackoff())
	ctx := context.Background()

	forcedCh := make(chan models.FetchResult, 1)
	go func() {
		forcedCh <- o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, true)
	}()
	<-source.started

	// A plain call arriving mid-walk must not start a second walk.
	plainCh := make(chan models.FetchResult, 1)
	go func() {
		plainCh <- o.EnsureData(ctx, "acme", "widgets", testStart, testEnd, false)
	}()

	close(source.release)
	forced := <-forcedCh
	plain := <-plainCh

	require.True(t, forced.Success, forced.Message)
	assert.False(t, forced.CacheUsed)
	require.True(t, plain.Success, plain.Message)
	assert.True(t, plain.CacheUsed, "the plain call is served by the walk that was already running")
	assert.Equal(t, 1, source.fetchCalls, "one walk spends the request budget")
}

func TestEnsureDataRetriesExhausted(t *testing.T) {
	boom := &github.RateLimitError{}
	source := &fakeSource{calls: []scriptedCall{
		{err: boom}, {err: boom}, {err: boom}, {err: boom},
	}}
	o, _, clock := setup(t, source, quickBackoff())

	result := o.EnsureData(context.Background(), "acme", "widgets", testStart, testEnd, false)
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "retries exhausted")
	assert.Equal(t, 3, source.fetchCalls)
	assert.Len(t, clock.slept, 2, "no sleep after the final attempt")
}
