package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"memoria/internal/memerr"
)

// memStore is an in-process Store fake for tests of packages that depend on
// Store without needing a live Postgres/Qdrant instance.
type memStore struct {
	mu           sync.Mutex
	events       []Event
	gists        []Gist
	embeddings   map[string][]float32
	embeddingsOn bool
}

// NewMemoryStore returns an in-memory Store fake. embeddingsEnabled mirrors
// the deployment's enable_event_embedding flag and gates SearchGists.
func NewMemoryStore(embeddingsEnabled bool) Store {
	return &memStore{embeddings: make(map[string][]float32), embeddingsOn: embeddingsEnabled}
}

func (s *memStore) PutEvent(ctx context.Context, userID string, data map[string]any, embedding []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.events = append(s.events, Event{EventID: id, UserID: userID, Data: data, Embedding: embedding, CreatedAt: s.now()})
	return id, nil
}

func (s *memStore) PutGist(ctx context.Context, userID, eventID, content string, embedding []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.gists = append(s.gists, Gist{GistID: id, EventID: eventID, UserID: userID, Content: content, CreatedAt: s.now()})
	if len(embedding) > 0 {
		s.embeddings[id] = embedding
	}
	return id, nil
}

func (s *memStore) RecentGists(ctx context.Context, userID string, topK, windowDays int) ([]Gist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Time{}
	if windowDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -windowDays)
	}
	var matched []Gist
	for _, g := range s.gists {
		if g.UserID != userID {
			continue
		}
		if windowDays > 0 && g.CreatedAt.Before(cutoff) {
			continue
		}
		matched = append(matched, g)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if topK > 0 && len(matched) > topK {
		matched = matched[:topK]
	}
	return matched, nil
}

func (s *memStore) SearchGists(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error) {
	if !s.embeddingsOn {
		return nil, memerr.NotImpl("event embeddings are disabled for this deployment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Time{}
	if windowDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -windowDays)
	}
	var scored []ScoredGist
	for _, g := range s.gists {
		if g.UserID != userID {
			continue
		}
		if windowDays > 0 && g.CreatedAt.Before(cutoff) {
			continue
		}
		emb, ok := s.embeddings[g.GistID]
		if !ok {
			continue
		}
		if sim := cosineSimilarity(queryEmbedding, emb); sim >= threshold {
			scored = append(scored, ScoredGist{Gist: g, Score: sim})
		}
	}
	sortScoredGists(scored)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

var memSeq int64

func (s *memStore) now() time.Time {
	memSeq++
	return time.Now().UTC().Add(time.Duration(memSeq) * time.Nanosecond)
}
