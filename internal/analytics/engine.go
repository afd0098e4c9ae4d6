package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// OutlierThreshold is the |z| above which a commit counts as an outlier.
const OutlierThreshold = 2.0

// DefaultWordLimit caps word-frequency responses when no limit is given.
const DefaultWordLimit = 100

// Engine is the read side: it computes statistics over whatever the store
// holds and assumes EnsureData already made the range complete.
type Engine struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewEngine creates an analytics engine over a store.
func NewEngine(store storage.Store, logger *logrus.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// ComputeZScores recomputes and persists the deviation score of every commit
// in the range: z = (total_changes - mean) / stddev, with z = 0 everywhere
// when the spread is zero (or the sample too small to have one).
func (e *Engine) ComputeZScores(ctx context.Context, key models.RangeKey) error {
	commits, err := e.store.QueryCommits(ctx, key, models.CommitFilter{})
	if err != nil {
		return fmt.Errorf("query commits: %w", err)
	}
	if len(commits) == 0 {
		return nil
	}

	changes := make([]float64, len(commits))
	for i, c := range commits {
		changes[i] = float64(c.TotalChanges)
	}

	mean := stat.Mean(changes, nil)
	stddev := stat.StdDev(changes, nil)

	scores := make(map[string]float64, len(commits))
	for i, c := range commits {
		if stddev > 0 && !math.IsNaN(stddev) {
			scores[c.SHA] = (changes[i] - mean) / stddev
		} else {
			scores[c.SHA] = 0
		}
	}

	if err := e.store.SaveZScores(ctx, scores); err != nil {
		return fmt.Errorf("save z-scores: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"repository": key.Repository,
		"commits":    len(commits),
		"mean":       mean,
		"stddev":     stddev,
	}).Debug("z-scores computed")
	return nil
}

// Outliers returns commits whose |z| exceeds the threshold, largest
// deviation first (ties broken by sha for determinism).
func (e *Engine) Outliers(ctx context.Context, key models.RangeKey) ([]*models.Commit, error) {
	commits, err := e.store.QueryCommits(ctx, key, models.CommitFilter{})
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}

	var outliers []*models.Commit
	for _, c := range commits {
		if c.ZScore != nil && math.Abs(*c.ZScore) > OutlierThreshold {
			outliers = append(outliers, c)
		}
	}

	sort.Slice(outliers, func(i, j int) bool {
		zi, zj := math.Abs(*outliers[i].ZScore), math.Abs(*outliers[j].ZScore)
		if zi != zj {
			return zi > zj
		}
		return outliers[i].SHA < outliers[j].SHA
	})
	return outliers, nil
}

// DayOfWeek aggregates the metric into seven weekday buckets, Sun..Sat.
// Every weekday is present in the result, zero when inactive.
func (e *Engine) DayOfWeek(ctx context.Context, key models.RangeKey, metric models.MetricType, author string) (map[string]int, error) {
	commits, err := e.store.QueryCommits(ctx, key, models.CommitFilter{Author: author})
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}

	activity := make(map[string]int, len(models.Weekdays))
	for _, day := range models.Weekdays {
		activity[day] = 0
	}

	for _, c := range commits {
		day := models.Weekdays[int(c.AuthorDate.UTC().Weekday())]
		switch metric {
		case models.MetricCommits:
			activity[day]++
		case models.MetricAdditions:
			activity[day] += c.Additions
		case models.MetricDeletions:
			activity[day] += c.Deletions
		case models.MetricTotalChanges:
			activity[day] += c.TotalChanges
		default:
			return nil, fmt.Errorf("invalid metric_type: %q", metric)
		}
	}
	return activity, nil
}

// WordFrequencies returns the most frequent commit-message words in the
// range, count descending with lexical tie-break. When the precomputed index
// is empty it is rebuilt from the stored commits first.
func (e *Engine) WordFrequencies(ctx context.Context, key models.RangeKey, limit int) ([]models.WordCount, error) {
	if limit <= 0 {
		limit = DefaultWordLimit
	}

	words, err := e.store.TopWordFrequencies(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if len(words) > 0 {
		return words, nil
	}

	if err := e.RebuildWordFrequencies(ctx, key); err != nil {
		return nil, err
	}
	return e.store.TopWordFrequencies(ctx, key, limit)
}

// RebuildWordFrequencies recomputes the index for the range from the stored
// commit messages, replacing any stale entries.
func (e *Engine) RebuildWordFrequencies(ctx context.Context, key models.RangeKey) error {
	commits, err := e.store.QueryCommits(ctx, key, models.CommitFilter{})
	if err != nil {
		return fmt.Errorf("query commits: %w", err)
	}

	counts := CountWords(commits)
	if err := e.store.ReplaceWordFrequencies(ctx, key, counts); err != nil {
		return fmt.Errorf("replace word frequencies: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"repository": key.Repository,
		"words":      len(counts),
	}).Debug("word frequency index rebuilt")
	return nil
}

// Authors returns the distinct commit author names in the range, sorted.
func (e *Engine) Authors(ctx context.Context, key models.RangeKey) ([]string, error) {
	return e.store.DistinctAuthors(ctx, key)
}
