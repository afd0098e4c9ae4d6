package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/jmoiron/sqlx"
)

// Upsert statements per dialect. Both key on sha and leave created_at and
// z_score alone on conflict: z-scores are recomputed after each fetch and a
// re-upsert of identical data must be a no-op in effect.
const (
	upsertCommitPostgres = `
		INSERT INTO commits (sha, repository, author_name, author_email, author_date,
			message_title, message_body, additions, deletions, total_changes, created_at)
		VALUES (:sha, :repository, :author_name, :author_email, :author_date,
			:message_title, :message_body, :additions, :deletions, :total_changes, :created_at)
		ON CONFLICT (sha) DO UPDATE SET
			author_name = EXCLUDED.author_name,
			author_email = EXCLUDED.author_email,
			author_date = EXCLUDED.author_date,
			message_title = EXCLUDED.message_title,
			message_body = EXCLUDED.message_body,
			additions = EXCLUDED.additions,
			deletions = EXCLUDED.deletions,
			total_changes = EXCLUDED.total_changes
	`

	upsertCommitSQLite = `
		INSERT INTO commits (sha, repository, author_name, author_email, author_date,
			message_title, message_body, additions, deletions, total_changes, created_at)
		VALUES (:sha, :repository, :author_name, :author_email, :author_date,
			:message_title, :message_body, :additions, :deletions, :total_changes, :created_at)
		ON CONFLICT (sha) DO UPDATE SET
			author_name = excluded.author_name,
			author_email = excluded.author_email,
			author_date = excluded.author_date,
			message_title = excluded.message_title,
			message_body = excluded.message_body,
			additions = excluded.additions,
			deletions = excluded.deletions,
			total_changes = excluded.total_changes
	`
)

// upsertCommitsTx writes a batch of commits inside an open transaction.
// total_changes is recomputed here so the derived-field invariant cannot be
// broken by a caller.
func upsertCommitsTx(ctx context.Context, tx *sqlx.Tx, commits []*models.Commit, query string) error {
	now := time.Now().UTC()
	for _, c := range commits {
		c.TotalChanges = c.Additions + c.Deletions
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
			return fmt.Errorf("upsert commit %s: %w", c.SHA, err)
		}
	}
	return nil
}
