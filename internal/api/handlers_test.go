package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/analytics"
	"github.com/gitpulse/gitpulse/internal/fetch"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// stubSource serves a single fixed page for any requested range.
type stubSource struct {
	commits []*models.Commit
}

func (s *stubSource) ValidateRepo(ctx context.Context, owner, name string) error { return nil }

func (s *stubSource) FetchCommitPage(ctx context.Context, owner, name string, since, until time.Time, cursor *string) (*github.CommitPage, error) {
	return &github.CommitPage{Commits: s.commits, HasNextPage: false}, nil
}

func setupServer(t *testing.T, source github.Source) (*Server, storage.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := storage.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := analytics.NewEngine(store, logger)
	policy := github.BackoffPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	orchestrator := fetch.NewOrchestrator(store, source, engine, policy, github.RealClock(), logger)

	return NewServer("127.0.0.1:0", store, engine, orchestrator, "acme", "widgets", logger), store
}

func seedRange(t *testing.T, store storage.Store, commits []*models.Commit) {
	t.Helper()
	require.NoError(t, store.UpsertCommits(context.Background(), commits))
}

func apiCommit(sha, author string, date time.Time, additions, deletions int) *models.Commit {
	return &models.Commit{
		SHA:          sha,
		Repository:   "acme/widgets",
		AuthorName:   author,
		AuthorDate:   date,
		MessageTitle: "fix parser bug",
		Additions:    additions,
		Deletions:    deletions,
	}
}

func doGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return rec, body
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := setupServer(t, &stubSource{})
	rec, body := doGet(t, s, "/api/v1/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthorsEndpoint(t *testing.T) {
	s, store := setupServer(t, &stubSource{})
	seedRange(t, store, []*models.Commit{
		apiCommit("aaa", "alice", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 1, 0),
		apiCommit("bbb", "bob", time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), 1, 0),
		apiCommit("ccc", "alice", time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), 1, 0),
	})

	rec, body := doGet(t, s, "/api/v1/authors?start_date=2024-01-01&end_date=2024-01-31")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, []any{"alice", "bob"}, body["authors"])
}

func TestAuthorsEndDateIsInclusive(t *testing.T) {
	s, store := setupServer(t, &stubSource{})
	seedRange(t, store, []*models.Commit{
		apiCommit("aaa", "alice", time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), 1, 0),
	})

	rec, body := doGet(t, s, "/api/v1/authors?start_date=2024-01-01&end_date=2024-01-31")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"], "commits late on the end date still count")
}

func TestDeviationsEndpoint(t *testing.T) {
	s, store := setupServer(t, &stubSource{})
	ctx := context.Background()
	seedRange(t, store, []*models.Commit{
		apiCommit("aaa", "alice", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 500, 100),
		apiCommit("bbb", "bob", time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), 900, 0),
		apiCommit("ccc", "alice", time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), 5, 5),
	})
	require.NoError(t, store.SaveZScores(ctx, map[string]float64{
		"aaa": 2.567, "bbb": -3.004, "ccc": 0.5,
	}))

	rec, body := doGet(t, s, "/api/v1/deviations?start_date=2024-01-01&end_date=2024-01-31")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	commits := body["commits"].([]any)
	require.Len(t, commits, 2)

	first := commits[0].(map[string]any)
	assert.Equal(t, "bbb", first["sha"], "largest |z| first")
	assert.Equal(t, -3.0, first["z_score"], "scores are rounded to two decimals")
	assert.Equal(t, float64(900), first["total_changes"])

	second := commits[1].(map[string]any)
	assert.Equal(t, "aaa", second["sha"])
	assert.Equal(t, 2.57, second["z_score"])
}

func TestDayOfWeekEndpoint(t *testing.T) {
	s, store := setupServer(t, &stubSource{})
	seedRange(t, store, []*models.Commit{
		// 2024-01-01 and 2024-01-08 are Mondays.
		apiCommit("aaa", "alice", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), 10, 0),
		apiCommit("bbb", "alice", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), 20, 0),
	})

	rec, body := doGet(t, s, "/api/v1/day-of-week?start_date=2024-01-01&end_date=2024-01-31&metric_type=additions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "additions", body["metric"])

	activity := body["day_activity"].(map[string]any)
	require.Len(t, activity, 7)
	assert.Equal(t, float64(30), activity["Mon"], "metric_type selects the aggregated metric")
	assert.Equal(t, float64(0), activity["Sun"])

	// Omitting metric_type falls back to counting commits.
	_, body = doGet(t, s, "/api/v1/day-of-week?start_date=2024-01-01&end_date=2024-01-31")
	assert.Equal(t, "commits", body["metric"])
	activity = body["day_activity"].(map[string]any)
	assert.Equal(t, float64(2), activity["Mon"])
}

func TestWordFrequenciesEndpoint(t *testing.T) {
	s, store := setupServer(t, &stubSource{})
	a := apiCommit("aaa", "alice", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 1, 0)
	a.MessageTitle = "fix bug"
	b := apiCommit("bbb", "alice", time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), 1, 0)
	b.MessageTitle = "fix bug"
	c := apiCommit("ccc", "alice", time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), 1, 0)
	c.MessageTitle = "add feature"
	seedRange(t, store, []*models.Commit{a, b, c})

	rec, body := doGet(t, s, "/api/v1/word-frequencies?start_date=2024-01-01&end_date=2024-01-31&limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	freqs := body["word_frequencies"].(map[string]any)
	assert.Equal(t, float64(2), freqs["bug"])
	assert.Equal(t, float64(2), freqs["fix"])
}

func TestBadRequestParams(t *testing.T) {
	s, _ := setupServer(t, &stubSource{})

	tests := []struct {
		name string
		path string
	}{
		{"bad start date", "/api/v1/authors?start_date=not-a-date"},
		{"bad end date", "/api/v1/authors?end_date=2024-13-99"},
		{"end before start", "/api/v1/authors?start_date=2024-02-01&end_date=2024-01-01"},
		{"bad metric", "/api/v1/day-of-week?metric_type=velocity"},
		{"bad limit", "/api/v1/word-frequencies?limit=zero"},
		{"negative limit", "/api/v1/word-frequencies?limit=-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doGet(t, s, tt.path)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestFetchDataEndpoint(t *testing.T) {
	source := &stubSource{commits: []*models.Commit{
		apiCommit("aaa", "alice", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 10, 2),
	}}
	s, store := setupServer(t, source)

	payload := `{"start_date": "2024-01-01", "end_date": "2024-01-31", "repo_owner": "acme", "repo_name": "widgets"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch-data", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(1), body["commit_count"])
	assert.Equal(t, false, body["cache_used"])

	key := models.NewRangeKey("acme", "widgets",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	cr, err := store.GetCacheRange(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, cr.Completed, "the inclusive end date maps to the next midnight")
}

func TestFetchDataInvalidBody(t *testing.T) {
	s, _ := setupServer(t, &stubSource{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch-data", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
