package profilestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoria/internal/memerr"
)

// pgStore is a Postgres-backed Store, one row per (user_id, topic,
// sub_topic), adapted from the teacher's pgChatStore/pgEvolvingMemoryStore:
// same pool-holding struct and Init-creates-table idiom, but row-level CRUD
// rather than whole-session delete+reinsert, since profile mutations are
// single-row per SPEC_FULL.md 4.2.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Postgres-backed profile Store.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// Init creates the user_profiles table and its indexes if they don't exist.
func (s *pgStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_profiles (
    profile_id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    sub_topic TEXT NOT NULL,
    content TEXT NOT NULL,
    attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (user_id, topic, sub_topic)
);
CREATE INDEX IF NOT EXISTS idx_user_profiles_user_updated ON user_profiles (user_id, updated_at DESC);
`)
	if err != nil {
		return memerr.InternalWrap(err, "init user_profiles table")
	}
	return nil
}

func (s *pgStore) Add(ctx context.Context, userID string, profiles []NewProfile) ([]string, error) {
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		attrs, err := json.Marshal(nonNilAttrs(p.Attributes))
		if err != nil {
			return ids, memerr.InternalWrap(err, "marshal profile attributes")
		}
		id := uuid.NewString()
		err = s.pool.QueryRow(ctx, `
INSERT INTO user_profiles (profile_id, user_id, topic, sub_topic, content, attributes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
ON CONFLICT (user_id, topic, sub_topic) DO UPDATE
SET content = EXCLUDED.content, attributes = EXCLUDED.attributes, updated_at = NOW()
RETURNING profile_id
`, id, userID, p.Topic, p.SubTopic, p.Content, attrs).Scan(&id)
		if err != nil {
			return ids, memerr.InternalWrap(err, "insert profile")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *pgStore) Update(ctx context.Context, userID string, updates []ProfileUpdate) ([]string, error) {
	applied := make([]string, 0, len(updates))
	for _, u := range updates {
		var tag pgx.CommandTag
		var err error
		if u.Attributes != nil {
			attrs, mErr := json.Marshal(u.Attributes)
			if mErr != nil {
				return applied, memerr.InternalWrap(mErr, "marshal profile attributes")
			}
			tag, err = s.pool.Exec(ctx, `
UPDATE user_profiles SET content = $1, attributes = $2, updated_at = NOW()
WHERE profile_id = $3 AND user_id = $4
`, u.Content, attrs, u.ProfileID, userID)
		} else {
			tag, err = s.pool.Exec(ctx, `
UPDATE user_profiles SET content = $1, updated_at = NOW()
WHERE profile_id = $2 AND user_id = $3
`, u.Content, u.ProfileID, userID)
		}
		if err != nil {
			return applied, memerr.InternalWrap(err, "update profile")
		}
		if tag.RowsAffected() > 0 {
			applied = append(applied, u.ProfileID)
		}
	}
	return applied, nil
}

func (s *pgStore) Delete(ctx context.Context, userID string, profileIDs []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM user_profiles WHERE user_id = $1 AND profile_id = ANY($2)
`, userID, profileIDs)
	if err != nil {
		return 0, memerr.InternalWrap(err, "delete profiles")
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) List(ctx context.Context, userID string, limit int) ([]ProfileEntry, error) {
	query := `
SELECT profile_id, user_id, topic, sub_topic, content, attributes, created_at, updated_at
FROM user_profiles WHERE user_id = $1 ORDER BY updated_at DESC`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = s.pool.Query(ctx, query, userID)
	}
	if err != nil {
		return nil, memerr.InternalWrap(err, "list profiles")
	}
	defer rows.Close()

	entries := make([]ProfileEntry, 0)
	for rows.Next() {
		var e ProfileEntry
		var attrBytes []byte
		var created, updated time.Time
		if err := rows.Scan(&e.ProfileID, &e.UserID, &e.Topic, &e.SubTopic, &e.Content, &attrBytes, &created, &updated); err != nil {
			return nil, memerr.InternalWrap(err, "scan profile row")
		}
		attrs := map[string]string{}
		if len(attrBytes) > 0 {
			if err := json.Unmarshal(attrBytes, &attrs); err != nil {
				return nil, memerr.InternalWrap(err, "decode profile attributes")
			}
		}
		e.Attributes = attrs
		e.CreatedAt = created.UTC()
		e.UpdatedAt = updated.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate profile rows")
	}
	return entries, nil
}

func nonNilAttrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
