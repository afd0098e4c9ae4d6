package storage

import (
	"context"
	"errors"

	"github.com/gitpulse/gitpulse/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Store is the durable layer behind the fetch pipeline and the analytics
// engine. Commits are the source of truth; cache ranges and word frequencies
// are derived state that is safe to drop and rebuild.
type Store interface {
	// Commit operations
	UpsertCommits(ctx context.Context, commits []*models.Commit) error
	QueryCommits(ctx context.Context, key models.RangeKey, filter models.CommitFilter) ([]*models.Commit, error)
	CountCommits(ctx context.Context, key models.RangeKey) (int, error)
	DistinctAuthors(ctx context.Context, key models.RangeKey) ([]string, error)
	SaveZScores(ctx context.Context, scores map[string]float64) error

	// Cache range operations. AdvancePage persists a page of commits and the
	// new cursor in a single transaction: the cursor must never point past
	// commits that are not yet durable.
	GetCacheRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error)
	BeginOrResumeRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error)
	AdvancePage(ctx context.Context, key models.RangeKey, commits []*models.Commit, newCursor string) error
	CompleteRange(ctx context.Context, key models.RangeKey) error
	InvalidateRange(ctx context.Context, key models.RangeKey) error

	// Word frequency index operations
	ReplaceWordFrequencies(ctx context.Context, key models.RangeKey, counts map[string]int) error
	TopWordFrequencies(ctx context.Context, key models.RangeKey, limit int) ([]models.WordCount, error)
	HasWordFrequencies(ctx context.Context, key models.RangeKey) (bool, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
