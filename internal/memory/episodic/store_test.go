package episodic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "episodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddEpisodeAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddEpisode(ctx, "tick.completed", "fast tick ran", OutcomeSuccess, map[string]any{"duration_ms": 12})
	require.NoError(t, err)
	assert.Positive(t, id)

	rows, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tick.completed", rows[0].EventType)
	assert.Equal(t, string(OutcomeSuccess), rows[0].Outcome)
}

func TestAddEpisodeRejectsEmptyDescription(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddEpisode(context.Background(), "x", "   ", OutcomeSuccess, nil)
	require.Error(t, err)
}

func TestAddEpisodeRejectsInvalidOutcome(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddEpisode(context.Background(), "x", "desc", Outcome("bogus"), nil)
	require.Error(t, err)
}

func TestByTypeAndByOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddEpisode(ctx, "llm.call", "chat succeeded", OutcomeSuccess, nil)
	require.NoError(t, err)
	_, err = s.AddEpisode(ctx, "llm.call", "chat failed", OutcomeFailure, nil)
	require.NoError(t, err)
	_, err = s.AddEpisode(ctx, "tick.completed", "fast tick", OutcomeSuccess, nil)
	require.NoError(t, err)

	byType, err := s.ByType(ctx, "llm.call", 10)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byOutcome, err := s.ByOutcome(ctx, OutcomeFailure, 10)
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, "chat failed", byOutcome[0].Description)
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.AddEpisode(ctx, "x", "one", OutcomeNeutral, nil)
	require.NoError(t, err)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestArchiveOlderThanNoOpWhenNothingQualifies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddEpisode(ctx, "x", "fresh episode", OutcomeSuccess, nil)
	require.NoError(t, err)

	archived, err := s.ArchiveOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, archived)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestArchiveOlderThanIsSafeToRerun exercises the resume case the archive
// transaction is built for: running ArchiveOlderThan again after a chunk has
// already committed must not re-archive anything or hit a PK conflict, since
// the rows it would have acted on are no longer in the primary table.
func TestArchiveOlderThanIsSafeToRerun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339Nano)
	for i := 0; i < 3; i++ {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO episodes (timestamp, event_type, description, outcome, data) VALUES (?, ?, ?, ?, ?)`,
			old, "x", "stale episode", string(OutcomeSuccess), "{}")
		require.NoError(t, err)
	}

	archived, err := s.ArchiveOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 3, archived)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Re-running must be a no-op: the rows are gone from the primary table,
	// so there is nothing left to insert into the archive and no chance of
	// a duplicate-key error against the AUTOINCREMENT archive schema.
	archived, err = s.ArchiveOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, archived)
}
