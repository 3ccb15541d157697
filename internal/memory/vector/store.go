// Package vector implements the fixed-dimension embedding store used for
// semantic recall: unit-normalized float32 vectors compared by cosine
// similarity via a bounded linear scan.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/agentcore/infrastructure/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS embeddings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id INTEGER,
	event_type TEXT NOT NULL,
	text TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_episode_id ON embeddings(episode_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_event_type ON embeddings(event_type);
`

// Record is a stored embedding together with the text it was computed from.
type Record struct {
	ID        int64
	EpisodeID *int64
	EventType string
	Text      string
	Embedding []float32
	CreatedAt float64
}

type row struct {
	ID        int64   `db:"id"`
	EpisodeID *int64  `db:"episode_id"`
	EventType string  `db:"event_type"`
	Text      string  `db:"text"`
	Embedding []byte  `db:"embedding"`
	CreatedAt float64 `db:"created_at"`
}

// Match is a search result paired with its cosine similarity score.
type Match struct {
	Record     Record
	Similarity float32
}

// Store is the vector memory substrate backed by a single SQLite file.
type Store struct {
	db  *sqlx.DB
	dim int
}

// Open creates or opens the vector database at path for embeddings of the
// given fixed dimension.
func Open(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("vector: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector: migrate: %w", err)
	}

	return &Store{db: db, dim: dim}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add validates, L2-normalizes, and stores an embedding. Vectors containing
// NaN or Inf components, the zero vector, or a dimension mismatch are
// rejected without being written.
func (s *Store) Add(ctx context.Context, episodeID *int64, eventType, text string, embedding []float32) (int64, error) {
	if len(embedding) != s.dim {
		return 0, errors.DimensionMismatch(s.dim, len(embedding))
	}

	normalized, err := normalize(embedding)
	if err != nil {
		return 0, errors.VectorWriteFailed(err)
	}

	encoded := encodeVector(normalized)
	now := float64(time.Now().UTC().UnixNano()) / 1e9

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (episode_id, event_type, text, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		episodeID, eventType, text, encoded, now)
	if err != nil {
		return 0, errors.VectorWriteFailed(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.VectorWriteFailed(err)
	}
	return id, nil
}

// TopK returns the k records most similar to query by cosine similarity,
// optionally restricted to eventType (pass "" for no filter), scanning at
// most maxCandidates rows (most recent first) before scoring. Ties in
// similarity break by created_at descending, then id descending.
func (s *Store) TopK(ctx context.Context, query []float32, k int, eventType string, maxCandidates int) ([]Match, error) {
	if len(query) != s.dim {
		return nil, errors.DimensionMismatch(s.dim, len(query))
	}
	normalizedQuery, err := normalize(query)
	if err != nil {
		return nil, errors.VectorSearchFailed(err)
	}

	var rows []row
	if eventType == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, episode_id, event_type, text, embedding, created_at FROM embeddings ORDER BY created_at DESC LIMIT ?`,
			maxCandidates)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, episode_id, event_type, text, embedding, created_at FROM embeddings WHERE event_type = ? ORDER BY created_at DESC LIMIT ?`,
			eventType, maxCandidates)
	}
	if err != nil {
		return nil, errors.VectorSearchFailed(err)
	}

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		vec, err := decodeVector(r.Embedding, s.dim)
		if err != nil {
			continue // corrupt row, skip rather than fail the whole search
		}
		sim := dot(normalizedQuery, vec)
		matches = append(matches, Match{
			Record: Record{
				ID:        r.ID,
				EpisodeID: r.EpisodeID,
				EventType: r.EventType,
				Text:      r.Text,
				Embedding: vec,
				CreatedAt: r.CreatedAt,
			},
			Similarity: sim,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].Record.CreatedAt != matches[j].Record.CreatedAt {
			return matches[i].Record.CreatedAt > matches[j].Record.CreatedAt
		}
		return matches[i].Record.ID > matches[j].Record.ID
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Cleanup deletes embeddings older than cutoff, returning the count removed.
// Used to bound vector store growth the same way episodic archival bounds
// the episode log, but records are dropped rather than archived since
// embeddings carry no standalone provenance value once stale. keepEpisodeIDs,
// when non-empty, is consulted to preserve vectors linked to an episode the
// caller has judged important (outcome=failure or otherwise high-salience)
// even if they are older than cutoff; pass nil to delete purely by age.
// VACUUM runs afterward to reclaim space from the deleted rows.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration, keepEpisodeIDs map[int64]struct{}) (int64, error) {
	cutoff := float64(time.Now().UTC().Add(-olderThan).UnixNano()) / 1e9

	var (
		query string
		args  []any
	)
	if len(keepEpisodeIDs) == 0 {
		query = `DELETE FROM embeddings WHERE created_at < ?`
		args = []any{cutoff}
	} else {
		ids := make([]int64, 0, len(keepEpisodeIDs))
		for id := range keepEpisodeIDs {
			ids = append(ids, id)
		}
		expanded, inArgs, err := sqlx.In(
			`DELETE FROM embeddings WHERE created_at < ? AND (episode_id IS NULL OR episode_id NOT IN (?))`,
			cutoff, ids)
		if err != nil {
			return 0, errors.VectorWriteFailed(err)
		}
		query = s.db.Rebind(expanded)
		args = inArgs
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.VectorWriteFailed(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.VectorWriteFailed(err)
	}

	if n > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return n, errors.VectorWriteFailed(err)
		}
	}

	return n, nil
}

// Count returns the total number of stored embeddings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM embeddings`); err != nil {
		return 0, errors.VectorSearchFailed(err)
	}
	return n, nil
}

func normalize(v []float32) ([]float32, error) {
	var sumSq float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("embedding contains NaN or Inf component")
		}
		sumSq += f * f
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return nil, fmt.Errorf("embedding is the zero vector")
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("vector: stored embedding has wrong byte length %d, expected %d", len(b), 4*dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
