package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
)

// CommitPage is one page of commit history from the source API.
type CommitPage struct {
	Commits     []*models.Commit
	EndCursor   *string
	HasNextPage bool
}

// Source is the upstream commit-history API as the orchestrator sees it.
// Implementations must treat the cursor as opaque and return pages filtered
// to the requested window.
type Source interface {
	ValidateRepo(ctx context.Context, owner, name string) error
	FetchCommitPage(ctx context.Context, owner, name string, since, until time.Time, cursor *string) (*CommitPage, error)
}

// RateLimitError reports that the source refused the request due to rate
// limiting. ResetAt is zero when the source did not say when to come back.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return "github: rate limited"
	}
	return fmt.Sprintf("github: rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// RepoNotFoundError reports a repository that does not exist or is not
// visible with the configured token. Never retried.
type RepoNotFoundError struct {
	Owner string
	Name  string
}

func (e *RepoNotFoundError) Error() string {
	return fmt.Sprintf("github: repository %s/%s not found", e.Owner, e.Name)
}

// MalformedResponseError reports a page that did not have the expected shape.
// The fetch must fail rather than skip the page, or completed ranges could
// silently miss commits.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("github: malformed response: %s", e.Reason)
}

// IsTransient reports whether an error is worth retrying with backoff:
// rate limits, network timeouts, and upstream 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var notFound *RepoNotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// GraphQL errors surface as strings; match the upstream failure modes
	// the same way existing GitHub tooling does.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"500", "502", "503", "504", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
