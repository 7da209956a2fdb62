package profilestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-process Store fake used by tests of packages that
// depend on Store without needing a live Postgres instance.
type memStore struct {
	mu   sync.Mutex
	rows map[string]map[string]ProfileEntry // userID -> profileID -> entry
}

// NewMemoryStore returns an in-memory Store fake.
func NewMemoryStore() Store {
	return &memStore{rows: make(map[string]map[string]ProfileEntry)}
}

func (s *memStore) Add(ctx context.Context, userID string, profiles []NewProfile) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userRows(userID)
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if existing, id, ok := s.findByTopic(u, p.Topic, p.SubTopic); ok {
			existing.Content = p.Content
			existing.Attributes = nonNilAttrs(p.Attributes)
			u[id] = existing
			ids = append(ids, id)
			continue
		}
		id := uuid.NewString()
		now := s.now()
		u[id] = ProfileEntry{
			ProfileID: id, UserID: userID, Topic: p.Topic, SubTopic: p.SubTopic,
			Content: p.Content, Attributes: nonNilAttrs(p.Attributes),
			CreatedAt: now, UpdatedAt: now,
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) Update(ctx context.Context, userID string, updates []ProfileUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userRows(userID)
	applied := make([]string, 0, len(updates))
	for _, upd := range updates {
		entry, ok := u[upd.ProfileID]
		if !ok {
			continue
		}
		entry.Content = upd.Content
		if upd.Attributes != nil {
			entry.Attributes = upd.Attributes
		}
		entry.UpdatedAt = s.now()
		u[upd.ProfileID] = entry
		applied = append(applied, upd.ProfileID)
	}
	return applied, nil
}

func (s *memStore) Delete(ctx context.Context, userID string, profileIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userRows(userID)
	count := 0
	for _, id := range profileIDs {
		if _, ok := u[id]; ok {
			delete(u, id)
			count++
		}
	}
	return count, nil
}

func (s *memStore) List(ctx context.Context, userID string, limit int) ([]ProfileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userRows(userID)
	entries := make([]ProfileEntry, 0, len(u))
	for _, e := range u {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt.After(entries[j].UpdatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *memStore) userRows(userID string) map[string]ProfileEntry {
	u, ok := s.rows[userID]
	if !ok {
		u = make(map[string]ProfileEntry)
		s.rows[userID] = u
	}
	return u
}

func (s *memStore) findByTopic(u map[string]ProfileEntry, topic, subTopic string) (ProfileEntry, string, bool) {
	for id, e := range u {
		if e.Topic == topic && e.SubTopic == subTopic {
			return e, id, true
		}
	}
	return ProfileEntry{}, "", false
}

// seq guarantees UpdatedAt strictly increases even when two calls land in
// the same time.Now() tick, so List's ordering stays deterministic in tests.
var seq int64

func (s *memStore) now() time.Time {
	seq++
	return time.Now().UTC().Add(time.Duration(seq) * time.Nanosecond)
}
