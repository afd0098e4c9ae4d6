package models

import (
	"fmt"
	"time"
)

// Commit represents a single commit fetched from GitHub.
// TotalChanges is always Additions + Deletions; the store recomputes it on
// every write so the invariant holds regardless of what the caller set.
type Commit struct {
	SHA          string     `json:"sha" db:"sha"`
	Repository   string     `json:"repository" db:"repository"`
	AuthorName   string     `json:"author_name" db:"author_name"`
	AuthorEmail  *string    `json:"author_email,omitempty" db:"author_email"`
	AuthorDate   time.Time  `json:"author_date" db:"author_date"`
	MessageTitle string     `json:"message_title" db:"message_title"`
	MessageBody  *string    `json:"message_body,omitempty" db:"message_body"`
	Additions    int        `json:"additions" db:"additions"`
	Deletions    int        `json:"deletions" db:"deletions"`
	TotalChanges int        `json:"total_changes" db:"total_changes"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ZScore       *float64   `json:"z_score,omitempty" db:"z_score"`
}

// RangeKey identifies a unit of cacheable fetch work: one repository and one
// date range. Start is inclusive, End exclusive (callers extend a date-only
// end to the following midnight).
type RangeKey struct {
	Repository string
	Start      time.Time
	End        time.Time
}

// NewRangeKey builds a range key from owner/name and a date range.
func NewRangeKey(owner, name string, start, end time.Time) RangeKey {
	return RangeKey{
		Repository: fmt.Sprintf("%s/%s", owner, name),
		Start:      start.UTC(),
		End:        end.UTC(),
	}
}

// String returns a stable identifier for locking and logging.
func (k RangeKey) String() string {
	return fmt.Sprintf("%s@%s..%s", k.Repository,
		k.Start.Format(time.RFC3339), k.End.Format(time.RFC3339))
}

// Empty reports whether the range covers no time at all.
func (k RangeKey) Empty() bool {
	return !k.Start.Before(k.End)
}

// CacheRange tracks fetch progress for one range. A completed range has every
// commit in [Start, End) durably stored; an incomplete range's LastCursor is
// the exact pagination position to resume from.
type CacheRange struct {
	Repository  string    `json:"repository" db:"repository"`
	StartDate   time.Time `json:"start_date" db:"start_date"`
	EndDate     time.Time `json:"end_date" db:"end_date"`
	LastCursor  *string   `json:"last_cursor,omitempty" db:"last_cursor"`
	Completed   bool      `json:"completed" db:"completed"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// WordCount is one entry of the word frequency index.
type WordCount struct {
	Word  string `json:"word" db:"word"`
	Count int    `json:"count" db:"frequency"`
}

// CommitFilter narrows a commit range query.
type CommitFilter struct {
	Author string // exact author name match when non-empty
}

// FetchResult is the structured outcome of an EnsureData call. Failures are
// reported here rather than as errors so callers can fall back to whatever
// cached data exists.
type FetchResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PagesFetched int    `json:"pages_fetched"`
	CommitCount  int    `json:"commit_count"`
	CacheUsed    bool   `json:"cache_used"`
}

// MetricType selects the aggregate for day-of-week activity.
type MetricType string

const (
	MetricCommits      MetricType = "commits"
	MetricAdditions    MetricType = "additions"
	MetricDeletions    MetricType = "deletions"
	MetricTotalChanges MetricType = "total_changes"
)

// ParseMetricType validates a metric type from request input.
func ParseMetricType(s string) (MetricType, error) {
	switch MetricType(s) {
	case MetricCommits, MetricAdditions, MetricDeletions, MetricTotalChanges:
		return MetricType(s), nil
	}
	return "", fmt.Errorf("invalid metric_type: %q", s)
}

// Weekdays in the fixed bucket order used by day-of-week activity.
var Weekdays = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
