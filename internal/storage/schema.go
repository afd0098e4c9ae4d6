package storage

// Persisted layout: three tables keyed exactly as the dashboard schema
// defines them. Commits are permanent; cache_status and
// commit_word_frequencies are derived state.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS commits (
	id SERIAL PRIMARY KEY,
	sha VARCHAR(40) UNIQUE NOT NULL,
	repository VARCHAR(255) NOT NULL,
	author_name VARCHAR(255) NOT NULL,
	author_email VARCHAR(255),
	author_date TIMESTAMPTZ NOT NULL,
	message_title TEXT NOT NULL,
	message_body TEXT,
	additions INTEGER NOT NULL DEFAULT 0,
	deletions INTEGER NOT NULL DEFAULT 0,
	total_changes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	z_score DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_commits_repo_date ON commits (repository, author_date);
CREATE INDEX IF NOT EXISTS idx_commits_author ON commits (repository, author_name);

CREATE TABLE IF NOT EXISTS cache_status (
	id SERIAL PRIMARY KEY,
	repository VARCHAR(255) NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	last_cursor VARCHAR(255),
	completed BOOLEAN NOT NULL DEFAULT FALSE,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (repository, start_date, end_date)
);

CREATE TABLE IF NOT EXISTS commit_word_frequencies (
	id SERIAL PRIMARY KEY,
	word VARCHAR(100) NOT NULL,
	frequency INTEGER NOT NULL DEFAULT 0,
	repository VARCHAR(255) NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	UNIQUE (word, repository, start_date, end_date)
);

CREATE INDEX IF NOT EXISTS idx_word_freq_range ON commit_word_frequencies (repository, start_date, end_date);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sha TEXT UNIQUE NOT NULL,
	repository TEXT NOT NULL,
	author_name TEXT NOT NULL,
	author_email TEXT,
	author_date TIMESTAMP NOT NULL,
	message_title TEXT NOT NULL,
	message_body TEXT,
	additions INTEGER NOT NULL DEFAULT 0,
	deletions INTEGER NOT NULL DEFAULT 0,
	total_changes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	z_score REAL
);

CREATE INDEX IF NOT EXISTS idx_commits_repo_date ON commits (repository, author_date);
CREATE INDEX IF NOT EXISTS idx_commits_author ON commits (repository, author_name);

CREATE TABLE IF NOT EXISTS cache_status (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository TEXT NOT NULL,
	start_date TIMESTAMP NOT NULL,
	end_date TIMESTAMP NOT NULL,
	last_cursor TEXT,
	completed BOOLEAN NOT NULL DEFAULT 0,
	last_updated TIMESTAMP NOT NULL,
	UNIQUE (repository, start_date, end_date)
);

CREATE TABLE IF NOT EXISTS commit_word_frequencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	word TEXT NOT NULL,
	frequency INTEGER NOT NULL DEFAULT 0,
	repository TEXT NOT NULL,
	start_date TIMESTAMP NOT NULL,
	end_date TIMESTAMP NOT NULL,
	UNIQUE (word, repository, start_date, end_date)
);

CREATE INDEX IF NOT EXISTS idx_word_freq_range ON commit_word_frequencies (repository, start_date, end_date);
`
