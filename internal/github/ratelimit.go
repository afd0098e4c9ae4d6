package github

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const retryAfterKey = "gitpulse:github:retry_after"

// RateLimitState shares the "do not call the API before" timestamp across all
// fetch attempts. The upstream rate limit is one global budget, so a 429 seen
// by one fetch must hold back every other fetch too. With a redis client the
// state is shared across processes (and survives restarts until it expires);
// without one it is process-local.
type RateLimitState struct {
	mu         sync.Mutex
	retryAfter time.Time

	redis  *redis.Client
	logger *logrus.Logger
}

// NewRateLimitState creates rate-limit state. redisClient may be nil.
func NewRateLimitState(redisClient *redis.Client, logger *logrus.Logger) *RateLimitState {
	return &RateLimitState{
		redis:  redisClient,
		logger: logger,
	}
}

// SetRetryAfter records when the API may be called again. Earlier timestamps
// never overwrite later ones.
func (s *RateLimitState) SetRetryAfter(ctx context.Context, t time.Time) {
	s.mu.Lock()
	if t.After(s.retryAfter) {
		s.retryAfter = t
	}
	s.mu.Unlock()

	if s.redis != nil {
		ttl := time.Until(t)
		if ttl <= 0 {
			return
		}
		if err := s.redis.Set(ctx, retryAfterKey, t.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
			s.logger.WithError(err).Warn("failed to publish retry-after to redis")
		}
	}
}

// RetryAfter returns the shared hold-back timestamp, or the zero time when
// requests may proceed.
func (s *RateLimitState) RetryAfter(ctx context.Context) time.Time {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, retryAfterKey).Result()
		if err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, val); perr == nil {
				s.mu.Lock()
				if t.After(s.retryAfter) {
					s.retryAfter = t
				}
				s.mu.Unlock()
			}
		} else if err != redis.Nil {
			s.logger.WithError(err).Warn("failed to read retry-after from redis")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAfter
}
