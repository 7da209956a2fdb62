// Package eventstore implements the time-ordered event and event-gist store
// (C3): a durable audit log of raw extraction events plus an embedded,
// searchable index of their one-line gists.
package eventstore

import (
	"context"
	"time"
)

// Event is a single audit-log row produced by one extraction run.
type Event struct {
	EventID   string
	UserID    string
	Data      map[string]any
	Embedding []float32
	CreatedAt time.Time
}

// Gist is a retrieval-oriented summary of an Event.
type Gist struct {
	GistID    string
	EventID   string
	UserID    string
	Content   string
	CreatedAt time.Time
}

// ScoredGist is a Gist returned from SearchGists together with its
// cosine-similarity score against the query embedding.
type ScoredGist struct {
	Gist
	Score float64
}

// Store is the C3 event/gist store contract. SearchGists must fail with a
// typed NotImplemented error when the backing deployment has embeddings
// disabled, rather than silently degrading to recency-only results.
type Store interface {
	PutEvent(ctx context.Context, userID string, data map[string]any, embedding []float32) (string, error)
	PutGist(ctx context.Context, userID, eventID, content string, embedding []float32) (string, error)
	RecentGists(ctx context.Context, userID string, topK, windowDays int) ([]Gist, error)
	SearchGists(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error)
}
