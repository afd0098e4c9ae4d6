package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies connectivity
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{
		db:     db,
		logger: logger,
	}, nil
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("postgres schema applied")
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Commit operations

func (s *PostgresStore) UpsertCommits(ctx context.Context, commits []*models.Commit) error {
	if len(commits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCommitsTx(ctx, tx, commits, upsertCommitPostgres); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) QueryCommits(ctx context.Context, key models.RangeKey, filter models.CommitFilter) ([]*models.Commit, error) {
	query := `
		SELECT sha, repository, author_name, author_email, author_date,
			message_title, message_body, additions, deletions, total_changes,
			created_at, z_score
		FROM commits
		WHERE repository = $1 AND author_date >= $2 AND author_date < $3
	`
	args := []interface{}{key.Repository, key.Start, key.End}
	if filter.Author != "" {
		query += ` AND author_name = $4`
		args = append(args, filter.Author)
	}
	query += ` ORDER BY author_date, sha`

	var commits []*models.Commit
	if err := s.db.SelectContext(ctx, &commits, query, args...); err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	return commits, nil
}

func (s *PostgresStore) CountCommits(ctx context.Context, key models.RangeKey) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM commits WHERE repository = $1 AND author_date >= $2 AND author_date < $3`
	if err := s.db.GetContext(ctx, &count, query, key.Repository, key.Start, key.End); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DistinctAuthors(ctx context.Context, key models.RangeKey) ([]string, error) {
	var authors []string
	query := `
		SELECT DISTINCT author_name FROM commits
		WHERE repository = $1 AND author_date >= $2 AND author_date < $3
		ORDER BY author_name
	`
	if err := s.db.SelectContext(ctx, &authors, query, key.Repository, key.Start, key.End); err != nil {
		return nil, fmt.Errorf("distinct authors: %w", err)
	}
	return authors, nil
}

func (s *PostgresStore) SaveZScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for sha, z := range scores {
		if _, err := tx.ExecContext(ctx, `UPDATE commits SET z_score = $1 WHERE sha = $2`, z, sha); err != nil {
			return fmt.Errorf("save z-score for %s: %w", sha, err)
		}
	}

	return tx.Commit()
}

// Cache range operations

func (s *PostgresStore) GetCacheRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error) {
	var cr models.CacheRange
	query := `
		SELECT repository, start_date, end_date, last_cursor, completed, last_updated
		FROM cache_status
		WHERE repository = $1 AND start_date = $2 AND end_date = $3
	`
	err := s.db.GetContext(ctx, &cr, query, key.Repository, key.Start, key.End)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache range: %w", err)
	}
	return &cr, nil
}

func (s *PostgresStore) BeginOrResumeRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error) {
	query := `
		INSERT INTO cache_status (repository, start_date, end_date, last_cursor, completed, last_updated)
		VALUES ($1, $2, $3, NULL, FALSE, $4)
		ON CONFLICT (repository, start_date, end_date) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, key.Repository, key.Start, key.End, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("begin range: %w", err)
	}
	return s.GetCacheRange(ctx, key)
}

func (s *PostgresStore) AdvancePage(ctx context.Context, key models.RangeKey, commits []*models.Commit, newCursor string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCommitsTx(ctx, tx, commits, upsertCommitPostgres); err != nil {
		return err
	}

	query := `
		UPDATE cache_status SET last_cursor = $1, last_updated = $2
		WHERE repository = $3 AND start_date = $4 AND end_date = $5
	`
	res, err := tx.ExecContext(ctx, query, newCursor, time.Now().UTC(), key.Repository, key.Start, key.End)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("advance cursor: %w", ErrNotFound)
	}

	return tx.Commit()
}

func (s *PostgresStore) CompleteRange(ctx context.Context, key models.RangeKey) error {
	query := `
		UPDATE cache_status SET completed = TRUE, last_cursor = NULL, last_updated = $1
		WHERE repository = $2 AND start_date = $3 AND end_date = $4
	`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), key.Repository, key.Start, key.End)
	if err != nil {
		return fmt.Errorf("complete range: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete range: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InvalidateRange(ctx context.Context, key models.RangeKey) error {
	query := `
		UPDATE cache_status SET completed = FALSE, last_cursor = NULL, last_updated = $1
		WHERE repository = $2 AND start_date = $3 AND end_date = $4
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), key.Repository, key.Start, key.End); err != nil {
		return fmt.Errorf("invalidate range: %w", err)
	}
	return nil
}

// Word frequency operations

func (s *PostgresStore) ReplaceWordFrequencies(ctx context.Context, key models.RangeKey, counts map[string]int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := `DELETE FROM commit_word_frequencies WHERE repository = $1 AND start_date = $2 AND end_date = $3`
	if _, err := tx.ExecContext(ctx, del, key.Repository, key.Start, key.End); err != nil {
		return fmt.Errorf("delete word frequencies: %w", err)
	}

	ins := `
		INSERT INTO commit_word_frequencies (word, frequency, repository, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5)
	`
	for word, freq := range counts {
		if _, err := tx.ExecContext(ctx, ins, word, freq, key.Repository, key.Start, key.End); err != nil {
			return fmt.Errorf("insert word frequency %q: %w", word, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) TopWordFrequencies(ctx context.Context, key models.RangeKey, limit int) ([]models.WordCount, error) {
	var out []models.WordCount
	query := `
		SELECT word, frequency FROM commit_word_frequencies
		WHERE repository = $1 AND start_date = $2 AND end_date = $3
		ORDER BY frequency DESC, word ASC
		LIMIT $4
	`
	if err := s.db.SelectContext(ctx, &out, query, key.Repository, key.Start, key.End, limit); err != nil {
		return nil, fmt.Errorf("top word frequencies: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) HasWordFrequencies(ctx context.Context, key models.RangeKey) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM commit_word_frequencies WHERE repository = $1 AND start_date = $2 AND end_date = $3`
	if err := s.db.GetContext(ctx, &count, query, key.Repository, key.Start, key.End); err != nil {
		return false, fmt.Errorf("has word frequencies: %w", err)
	}
	return count > 0, nil
}
