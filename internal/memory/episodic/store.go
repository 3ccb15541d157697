// Package episodic implements the append-only episode log: an immutable
// record of observed or produced happenings, with monthly archival.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/agentcore/infrastructure/errors"
)

// Outcome is the terminal disposition of an episode.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
	OutcomeError   Outcome = "error"
	OutcomeUnknown Outcome = "unknown"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeNeutral, OutcomeError, OutcomeUnknown:
		return true
	}
	return false
}

const maxDescriptionBytes = 1024

// Episode is an immutable record of one observed or produced happening.
type Episode struct {
	ID          int64             `db:"id"`
	Timestamp   string            `db:"timestamp"`
	EventType   string            `db:"event_type"`
	Description string            `db:"description"`
	Outcome     string            `db:"outcome"`
	Data        string            `db:"data"`
}

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL,
	outcome TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_episodes_event_type ON episodes(event_type);
CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome);
CREATE INDEX IF NOT EXISTS idx_episodes_type_outcome ON episodes(event_type, outcome);
CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp);
`

// Store is the episodic log backed by a single SQLite file.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open creates or opens the episodic database at path, enabling WAL mode and
// foreign keys, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("episodic: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("episodic: migrate: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AddEpisode validates and writes an immutable episode, returning its id.
// Validation failures never panic or propagate to the caller as an error
// return that aborts the tick; they return (0, err) so the caller can log
// and continue. Failures to encode data or to insert the row are also
// recorded in the errors table when possible; validation failures are not.
func (s *Store) AddEpisode(ctx context.Context, eventType, description string, outcome Outcome, data map[string]any) (int64, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return 0, errors.InvalidInput("description", "must not be empty")
	}
	if len(description) > maxDescriptionBytes {
		description = description[:maxDescriptionBytes]
	}
	if !outcome.valid() {
		return 0, errors.InvalidFormat("outcome", "one of success, failure, neutral, error, unknown")
	}

	encoded, err := encodeData(data)
	if err != nil {
		s.recordWriteError(ctx, eventType, description, data)
		return 0, errors.EpisodeWriteFailed(err)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (timestamp, event_type, description, outcome, data) VALUES (?, ?, ?, ?, ?)`,
		ts, eventType, description, string(outcome), encoded)
	if err != nil {
		s.recordWriteError(ctx, eventType, description, data)
		return 0, errors.EpisodeWriteFailed(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}
	return id, nil
}

func (s *Store) recordWriteError(ctx context.Context, eventType, description string, data map[string]any) {
	encoded, err := encodeData(data)
	if err != nil {
		encoded = "{}"
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	// Best-effort: a failure to record the failure itself is swallowed, the
	// caller already has the original error to report upward.
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO errors (timestamp, event_type, description, data) VALUES (?, ?, ?, ?)`,
		ts, eventType, description, encoded)
}

func encodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Recent returns the n most-recent episodes, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Episode, error) {
	var out []Episode
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, timestamp, event_type, description, outcome, data FROM episodes ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.EpisodeWriteFailed(err)
	}
	return out, nil
}

// ByType returns the n most-recent episodes matching eventType.
func (s *Store) ByType(ctx context.Context, eventType string, n int) ([]Episode, error) {
	var out []Episode
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE event_type = ? ORDER BY timestamp DESC LIMIT ?`,
		eventType, n)
	if err != nil {
		return nil, errors.EpisodeWriteFailed(err)
	}
	return out, nil
}

// ByOutcome returns the n most-recent episodes matching outcome.
func (s *Store) ByOutcome(ctx context.Context, outcome Outcome, n int) ([]Episode, error) {
	var out []Episode
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE outcome = ? ORDER BY timestamp DESC LIMIT ?`,
		string(outcome), n)
	if err != nil {
		return nil, errors.EpisodeWriteFailed(err)
	}
	return out, nil
}

// Count returns the total number of episodes in the primary database.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM episodes`); err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}
	return n, nil
}

// ArchiveOlderThan moves episodes strictly older than cutoff days into a
// sibling database named archive_YYYY_MM.db (grouped by calendar month),
// appending if that file already exists. Rows are copied into the archive
// and deleted from the primary within a single transaction per monthly
// chunk, so a row is never deleted without first being durably archived.
// VACUUM runs outside any transaction once all chunks are committed, since
// SQLite disallows VACUUM inside a transaction.
func (s *Store) ArchiveOlderThan(ctx context.Context, days int) (archived int64, err error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	var rows []Episode
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE timestamp < ? ORDER BY timestamp ASC`, cutoff); err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]Episode)
	for _, r := range rows {
		month := r.Timestamp
		if len(month) >= 7 {
			month = month[:7] // "YYYY-MM"
		}
		byMonth[month] = append(byMonth[month], r)
	}

	for month, batch := range byMonth {
		n, err := s.archiveMonth(ctx, month, batch)
		if err != nil {
			return archived, err
		}
		archived += n
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return archived, errors.EpisodeWriteFailed(err)
	}
	return archived, nil
}

// archiveMonth copies batch into the monthly archive file and removes it
// from the primary table in a single transaction on the primary connection,
// with the archive file ATTACHed for the duration. A crash before commit
// rolls back both the insert and the delete together, so a retry sees the
// same rows still in the primary table and re-archives them cleanly instead
// of hitting a duplicate-key error.
func (s *Store) archiveMonth(ctx context.Context, month string, batch []Episode) (int64, error) {
	archivePath := archiveFileName(s.path, month)

	if _, err := s.db.ExecContext(ctx, `ATTACH DATABASE ? AS archive`, archivePath); err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}
	defer s.db.ExecContext(ctx, `DETACH DATABASE archive`)

	archiveSchema := strings.NewReplacer(
		"TABLE IF NOT EXISTS episodes", "TABLE IF NOT EXISTS archive.episodes",
		"TABLE IF NOT EXISTS errors", "TABLE IF NOT EXISTS archive.errors",
		"ON episodes(", "ON archive.episodes(",
		"ON errors(", "ON archive.errors(",
	).Replace(schema)
	if _, err := s.db.ExecContext(ctx, archiveSchema); err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}
	defer tx.Rollback()

	for _, e := range batch {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archive.episodes (id, timestamp, event_type, description, outcome, data) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Timestamp, e.EventType, e.Description, e.Outcome, e.Data); err != nil {
			return 0, errors.EpisodeWriteFailed(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, e.ID); err != nil {
			return 0, errors.EpisodeWriteFailed(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.EpisodeWriteFailed(err)
	}

	return int64(len(batch)), nil
}

func archiveFileName(primaryPath, month string) string {
	dir := primaryPath
	if idx := strings.LastIndexByte(primaryPath, '/'); idx >= 0 {
		dir = primaryPath[:idx+1]
	} else {
		dir = ""
	}
	ym := strings.ReplaceAll(month, "-", "_")
	if ym == "" {
		ym = "unknown"
	}
	return fmt.Sprintf("%sarchive_%s.db", dir, ym)
}
