package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store using SQLite (for local mode and tests)
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at path and initializes
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// WAL improves concurrent read behavior; harmless for :memory:
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Commit operations

func (s *SQLiteStore) UpsertCommits(ctx context.Context, commits []*models.Commit) error {
	if len(commits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCommitsTx(ctx, tx, commits, upsertCommitSQLite); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) QueryCommits(ctx context.Context, key models.RangeKey, filter models.CommitFilter) ([]*models.Commit, error) {
	query := `
		SELECT sha, repository, author_name, author_email, author_date,
			message_title, message_body, additions, deletions, total_changes,
			created_at, z_score
		FROM commits
		WHERE repository = ? AND author_date >= ? AND author_date < ?
	`
	args := []interface{}{key.Repository, key.Start, key.End}
	if filter.Author != "" {
		query += ` AND author_name = ?`
		args = append(args, filter.Author)
	}
	query += ` ORDER BY author_date, sha`

	var commits []*models.Commit
	if err := s.db.SelectContext(ctx, &commits, query, args...); err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	return commits, nil
}

func (s *SQLiteStore) CountCommits(ctx context.Context, key models.RangeKey) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM commits WHERE repository = ? AND author_date >= ? AND author_date < ?`
	if err := s.db.GetContext(ctx, &count, query, key.Repository, key.Start, key.End); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) DistinctAuthors(ctx context.Context, key models.RangeKey) ([]string, error) {
	var authors []string
	query := `
		SELECT DISTINCT author_name FROM commits
		WHERE repository = ? AND author_date >= ? AND author_date < ?
		ORDER BY author_name
	`
	if err := s.db.SelectContext(ctx, &authors, query, key.Repository, key.Start, key.End); err != nil {
		return nil, fmt.Errorf("distinct authors: %w", err)
	}
	return authors, nil
}

func (s *SQLiteStore) SaveZScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for sha, z := range scores {
		if _, err := tx.ExecContext(ctx, `UPDATE commits SET z_score = ? WHERE sha = ?`, z, sha); err != nil {
			return fmt.Errorf("save z-score for %s: %w", sha, err)
		}
	}

	return tx.Commit()
}

// Cache range operations

func (s *SQLiteStore) GetCacheRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error) {
	var cr models.CacheRange
	query := `
		SELECT repository, start_date, end_date, last_cursor, completed, last_updated
		FROM cache_status
		WHERE repository = ? AND start_date = ? AND end_date = ?
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

func (s *SQLiteStore) BeginOrResumeRange(ctx context.Context, key models.RangeKey) (*models.CacheRange, error) {
	query := `
		INSERT INTO cache_status (repository, start_date, end_date, last_cursor, completed, last_updated)
		VALUES (?, ?, ?, NULL, 0, ?)
		ON CONFLICT (repository, start_date, end_date) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, key.Repository, key.Start, key.End, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("begin range: %w", err)
	}
	return s.GetCacheRange(ctx, key)
}

func (s *SQLiteStore) AdvancePage(ctx context.Context, key models.RangeKey, commits []*models.Commit, newCursor string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCommitsTx(ctx, tx, commits, upsertCommitSQLite); err != nil {
		return err
	}

	query := `
		UPDATE cache_status SET last_cursor = ?, last_updated = ?
		WHERE repository = ? AND start_date = ? AND end_date = ?
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

func (s *SQLiteStore) CompleteRange(ctx context.Context, key models.RangeKey) error {
	query := `
		UPDATE cache_status SET completed = 1, last_cursor = NULL, last_updated = ?
		WHERE repository = ? AND start_date = ? AND end_date = ?
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

func (s *SQLiteStore) InvalidateRange(ctx context.Context, key models.RangeKey) error {
	query := `
		UPDATE cache_status SET completed = 0, last_cursor = NULL, last_updated = ?
		WHERE repository = ? AND start_date = ? AND end_date = ?
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), key.Repository, key.Start, key.End); err != nil {
		return fmt.Errorf("invalidate range: %w", err)
	}
	return nil
}

// Word frequency operations

func (s *SQLiteStore) ReplaceWordFrequencies(ctx context.Context, key models.RangeKey, counts map[string]int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := `DELETE FROM commit_word_frequencies WHERE repository = ? AND start_date = ? AND end_date = ?`
	if _, err := tx.ExecContext(ctx, del, key.Repository, key.Start, key.End); err != nil {
		return fmt.Errorf("delete word frequencies: %w", err)
	}

	ins := `
		INSERT INTO commit_word_frequencies (word, frequency, repository, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
	`
	for word, freq := range counts {
		if _, err := tx.ExecContext(ctx, ins, word, freq, key.Repository, key.Start, key.End); err != nil {
			return fmt.Errorf("insert word frequency %q: %w", word, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) TopWordFrequencies(ctx context.Context, key models.RangeKey, limit int) ([]models.WordCount, error) {
	var out []models.WordCount
	query := `
		SELECT word, frequency FROM commit_word_frequencies
		WHERE repository = ? AND start_date = ? AND end_date = ?
		ORDER BY frequency DESC, word ASC
		LIMIT ?
	`
	if err := s.db.SelectContext(ctx, &out, query, key.Repository, key.Start, key.End, limit); err != nil {
		return nil, fmt.Errorf("top word frequencies: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) HasWordFrequencies(ctx context.Context, key models.RangeKey) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM commit_word_frequencies WHERE repository = ? AND start_date = ? AND end_date = ?`
	if err := s.db.GetContext(ctx, &count, query, key.Repository, key.Start, key.End); err != nil {
		return false, fmt.Errorf("has word frequencies: %w", err)
	}
	return count > 0, nil
}
