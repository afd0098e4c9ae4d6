package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/gitpulse/gitpulse/internal/models"
)

const defaultPageSize = 100

// Client fetches commit history through the GitHub GraphQL API, with a REST
// pre-flight for repository validation. One GraphQL page carries the commit
// stats (additions/deletions) the REST list endpoint would need an extra call
// per commit to produce.
type Client struct {
	gql      *githubv4.Client
	rest     *gogithub.Client
	limiter  *rate.Limiter
	limits   *RateLimitState
	pageSize int
	logger   *logrus.Logger
}

// NewClient creates a GitHub client with request pacing and shared
// rate-limit state. pageSize <= 0 means the default of 100, the GraphQL
// maximum.
func NewClient(token string, requestsPerSecond, pageSize int, limits *RateLimitState, logger *logrus.Logger) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)

	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	return &Client{
		gql:      githubv4.NewClient(httpClient),
		rest:     gogithub.NewClient(nil).WithAuthToken(token),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		limits:   limits,
		pageSize: pageSize,
		logger:   logger,
	}
}

// ValidateRepo confirms the repository exists and is visible with the
// configured token before a page walk starts.
func (c *Client) ValidateRepo(ctx context.Context, owner, name string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, resp, err := c.rest.Repositories.Get(ctx, owner, name)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return &RepoNotFoundError{Owner: owner, Name: name}
		}
		var rateErr *gogithub.RateLimitError
		if errors.As(err, &rateErr) {
			reset := rateErr.Rate.Reset.Time
			c.limits.SetRetryAfter(ctx, reset)
			return &RateLimitError{ResetAt: reset}
		}
		var abuseErr *gogithub.AbuseRateLimitError
		if errors.As(err, &abuseErr) {
			reset := time.Now().Add(abuseErr.GetRetryAfter())
			c.limits.SetRetryAfter(ctx, reset)
			return &RateLimitError{ResetAt: reset}
		}
		return fmt.Errorf("validate repository %s/%s: %w", owner, name, err)
	}
	return nil
}

// commitHistoryQuery mirrors the dashboard's original GraphQL shape: one page
// of default-branch history with per-commit stats, plus the remaining rate
// limit budget.
type commitHistoryQuery struct {
	Repository struct {
		DefaultBranchRef *struct {
			Target struct {
				Commit struct {
					History struct {
						PageInfo struct {
							HasNextPage githubv4.Boolean
							EndCursor   githubv4.String
						}
						Nodes []commitNode
					} `graphql:"history(first: $first, after: $after, since: $since, until: $until)"`
				} `graphql:"... on Commit"`
			}
		}
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit struct {
		Remaining githubv4.Int
		ResetAt   githubv4.DateTime
	}
}

type commitNode struct {
	Oid     githubv4.String
	Message githubv4.String
	Author  struct {
		Name  githubv4.String
		Email githubv4.String
		Date  githubv4.DateTime
	}
	Additions githubv4.Int
	Deletions githubv4.Int
	Parents   struct {
		TotalCount githubv4.Int
	} `graphql:"parents(first: 1)"`
}

// FetchCommitPage fetches one page of commit history within [since, until].
// A nil cursor means the first page.
func (c *Client) FetchCommitPage(ctx context.Context, owner, name string, since, until time.Time, cursor *string) (*CommitPage, error) {
	// Honor the shared hold-back before spending a request.
	if resetAt := c.limits.RetryAfter(ctx); resetAt.After(time.Now()) {
		return nil, &RateLimitError{ResetAt: resetAt}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var after *githubv4.String
	if cursor != nil {
		after = githubv4.NewString(githubv4.String(*cursor))
	}

	var q commitHistoryQuery
	vars := map[string]interface{}{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
		"first": githubv4.Int(c.pageSize),
		"after": after,
		"since": githubv4.GitTimestamp{Time: since.UTC()},
		"until": githubv4.GitTimestamp{Time: until.UTC()},
	}

	if err := c.gql.Query(ctx, &q, vars); err != nil {
		if isRateLimitMessage(err) {
			// The GraphQL error body carries no reset time; hold all fetches
			// back a minute, the next successful page corrects it.
			reset := time.Now().Add(time.Minute)
			c.limits.SetRetryAfter(ctx, reset)
			return nil, &RateLimitError{ResetAt: reset}
		}
		if strings.Contains(err.Error(), "Could not resolve to a Repository") {
			return nil, &RepoNotFoundError{Owner: owner, Name: name}
		}
		return nil, fmt.Errorf("fetch commit page for %s/%s: %w", owner, name, err)
	}

	// Track the remaining budget so concurrent fetches stop before GitHub
	// starts refusing.
	if q.RateLimit.Remaining <= 1 {
		c.limits.SetRetryAfter(ctx, q.RateLimit.ResetAt.Time)
	}

	// A repository with no default branch has no history at all.
	if q.Repository.DefaultBranchRef == nil {
		return &CommitPage{}, nil
	}

	history := q.Repository.DefaultBranchRef.Target.Commit.History
	repository := fmt.Sprintf("%s/%s", owner, name)

	page := &CommitPage{HasNextPage: bool(history.PageInfo.HasNextPage)}
	if ec := string(history.PageInfo.EndCursor); ec != "" {
		page.EndCursor = &ec
	}
	if page.HasNextPage && page.EndCursor == nil {
		return nil, &MalformedResponseError{Reason: "next page promised without an end cursor"}
	}

	for _, node := range history.Nodes {
		if node.Oid == "" {
			return nil, &MalformedResponseError{Reason: "commit node without oid"}
		}
		// Merge commits carry the combined diff of their parents and would
		// double-count line changes.
		if node.Parents.TotalCount > 1 {
			continue
		}
		page.Commits = append(page.Commits, nodeToCommit(repository, node))
	}

	c.logger.WithFields(logrus.Fields{
		"repository": repository,
		"commits":    len(page.Commits),
		"has_next":   page.HasNextPage,
	}).Debug("fetched commit page")

	return page, nil
}

func nodeToCommit(repository string, node commitNode) *models.Commit {
	title, body := SplitMessage(string(node.Message))

	commit := &models.Commit{
		SHA:          string(node.Oid),
		Repository:   repository,
		AuthorName:   string(node.Author.Name),
		AuthorDate:   node.Author.Date.Time.UTC(),
		MessageTitle: title,
		Additions:    int(node.Additions),
		Deletions:    int(node.Deletions),
		TotalChanges: int(node.Additions) + int(node.Deletions),
	}
	if email := string(node.Author.Email); email != "" {
		commit.AuthorEmail = &email
	}
	if body != "" {
		commit.MessageBody = &body
	}
	return commit
}

// SplitMessage separates a commit message into its title line and body.
func SplitMessage(message string) (title, body string) {
	message = strings.TrimSpace(message)
	parts := strings.SplitN(message, "\n", 2)
	title = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		body = strings.TrimSpace(parts[1])
	}
	return title, body
}

func isRateLimitMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "secondary") || strings.Contains(msg, "abuse")
}
