package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"memoria/internal/memerr"
)

// pgStore is a Postgres-backed Store, adapted from the teacher's
// pgEvolvingMemoryStore (embedding-as-BYTEA, per-user table) and
// postgres_vector.go (native `vector` column + `<=>` operator when the
// pgvector extension is installed). When the extension isn't available,
// SearchGists falls back to in-process cosineSimilarity over the BYTEA
// column, so the backend degrades gracefully instead of failing.
type pgStore struct {
	pool         *pgxpool.Pool
	dim          int
	embeddingsOn bool
	nativeVector bool
}

// NewPostgresStore returns a Postgres-backed event/gist Store. dim is the
// embedding dimension (used for the optional native vector column);
// embeddingsEnabled mirrors the deployment's enable_event_embedding flag and
// gates SearchGists.
func NewPostgresStore(pool *pgxpool.Pool, dim int, embeddingsEnabled bool) Store {
	return &pgStore{pool: pool, dim: dim, embeddingsOn: embeddingsEnabled}
}

// Init creates the events/event_gists tables and, best-effort, the pgvector
// extension and native vector column. Extension absence is not an error:
// the BYTEA column remains the portable fallback.
func (s *pgStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS events (
    event_id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'::jsonb,
    embedding BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_user_created ON events (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS event_gists (
    gist_id UUID PRIMARY KEY,
    event_id UUID NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    embedding BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_gists_user_created ON event_gists (user_id, created_at DESC);
`)
	if err != nil {
		return memerr.InternalWrap(err, "init event store tables")
	}

	if s.dim > 0 {
		if _, extErr := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); extErr == nil {
			_, colErr := s.pool.Exec(ctx, fmt.Sprintf(
				`ALTER TABLE event_gists ADD COLUMN IF NOT EXISTS vec vector(%d)`, s.dim))
			s.nativeVector = colErr == nil
		}
	}
	return nil
}

func (s *pgStore) PutEvent(ctx context.Context, userID string, data map[string]any, embedding []float32) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", memerr.InternalWrap(err, "marshal event data")
	}
	id := uuid.NewString()
	var emb []byte
	if len(embedding) > 0 {
		emb = encodeEmbedding(embedding)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO events (event_id, user_id, data, embedding, created_at) VALUES ($1, $2, $3, $4, NOW())
`, id, userID, payload, emb)
	if err != nil {
		return "", memerr.InternalWrap(err, "insert event")
	}
	return id, nil
}

func (s *pgStore) PutGist(ctx context.Context, userID, eventID, content string, embedding []float32) (string, error) {
	id := uuid.NewString()
	var emb []byte
	if len(embedding) > 0 {
		emb = encodeEmbedding(embedding)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO event_gists (gist_id, event_id, user_id, content, embedding, created_at) VALUES ($1, $2, $3, $4, $5, NOW())
`, id, eventID, userID, content, emb)
	if err != nil {
		return "", memerr.InternalWrap(err, "insert gist")
	}
	if s.nativeVector && len(embedding) > 0 {
		_, _ = s.pool.Exec(ctx, `UPDATE event_gists SET vec = $1 WHERE gist_id = $2`, pgvector.NewVector(embedding), id)
	}
	return id, nil
}

func (s *pgStore) RecentGists(ctx context.Context, userID string, topK, windowDays int) ([]Gist, error) {
	query := `SELECT gist_id, event_id, user_id, content, created_at FROM event_gists WHERE user_id = $1`
	args := []any{userID}
	if windowDays > 0 {
		query += fmt.Sprintf(" AND created_at >= NOW() - INTERVAL '%d days'", windowDays)
	}
	query += " ORDER BY created_at DESC"
	if topK > 0 {
		query += " LIMIT $2"
		args = append(args, topK)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, memerr.InternalWrap(err, "query recent gists")
	}
	defer rows.Close()
	return scanGists(rows)
}

func (s *pgStore) SearchGists(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error) {
	if !s.embeddingsOn {
		return nil, memerr.NotImpl("event embeddings are disabled for this deployment")
	}
	if s.nativeVector {
		return s.searchGistsNative(ctx, userID, queryEmbedding, topK, threshold, windowDays)
	}
	return s.searchGistsFallback(ctx, userID, queryEmbedding, topK, threshold, windowDays)
}

// searchGistsNative orders by the pgvector `<=>` cosine-distance operator and
// applies LIMIT in SQL, per postgres_vector.go's SimilaritySearch pattern —
// used when Init successfully added the native vec column.
func (s *pgStore) searchGistsNative(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error) {
	query := `SELECT gist_id, event_id, user_id, content, created_at, 1 - (vec <=> $1) AS score
FROM event_gists WHERE user_id = $2 AND vec IS NOT NULL`
	args := []any{pgvector.NewVector(queryEmbedding), userID}
	if windowDays > 0 {
		query += fmt.Sprintf(" AND created_at >= NOW() - INTERVAL '%d days'", windowDays)
	}
	query += " ORDER BY vec <=> $1"
	if topK > 0 {
		query += " LIMIT $3"
		args = append(args, topK)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, memerr.InternalWrap(err, "query gists for native vector search")
	}
	defer rows.Close()

	var scored []ScoredGist
	for rows.Next() {
		var g Gist
		var score float64
		if err := rows.Scan(&g.GistID, &g.EventID, &g.UserID, &g.Content, &g.CreatedAt, &score); err != nil {
			return nil, memerr.InternalWrap(err, "scan gist row")
		}
		g.CreatedAt = g.CreatedAt.UTC()
		if score >= threshold {
			scored = append(scored, ScoredGist{Gist: g, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate gist rows")
	}
	sortScoredGists(scored)
	return scored, nil
}

// searchGistsFallback scores every embedded row in-process via
// cosineSimilarity, for deployments where the pgvector extension (and hence
// the native vec column) isn't available.
func (s *pgStore) searchGistsFallback(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error) {
	query := `SELECT gist_id, event_id, user_id, content, embedding, created_at FROM event_gists WHERE user_id = $1 AND embedding IS NOT NULL`
	args := []any{userID}
	if windowDays > 0 {
		query += fmt.Sprintf(" AND created_at >= NOW() - INTERVAL '%d days'", windowDays)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, memerr.InternalWrap(err, "query gists for search")
	}
	defer rows.Close()

	var scored []ScoredGist
	for rows.Next() {
		var g Gist
		var embBytes []byte
		if err := rows.Scan(&g.GistID, &g.EventID, &g.UserID, &g.Content, &embBytes, &g.CreatedAt); err != nil {
			return nil, memerr.InternalWrap(err, "scan gist row")
		}
		g.CreatedAt = g.CreatedAt.UTC()
		sim := cosineSimilarity(queryEmbedding, decodeEmbedding(embBytes))
		if sim >= threshold {
			scored = append(scored, ScoredGist{Gist: g, Score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate gist rows")
	}

	sortScoredGists(scored)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func scanGists(rows pgx.Rows) ([]Gist, error) {
	gists := make([]Gist, 0)
	for rows.Next() {
		var g Gist
		if err := rows.Scan(&g.GistID, &g.EventID, &g.UserID, &g.Content, &g.CreatedAt); err != nil {
			return nil, memerr.InternalWrap(err, "scan gist row")
		}
		g.CreatedAt = g.CreatedAt.UTC()
		gists = append(gists, g)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate gist rows")
	}
	return gists, nil
}
