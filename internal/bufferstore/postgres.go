package bufferstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoria/internal/blobmodel"
	"memoria/internal/memerr"
	"memoria/internal/obs"
)

// pgManager is a Postgres-backed Manager over the two tables described in
// SPEC_FULL.md 6 (blob_content, buffer_zone), adapted from the teacher's
// pgChatStore row-level CRUD style and pgEvolvingMemoryStore's
// transactional-save idiom for the atomic idle->processing transition.
type pgManager struct {
	pool   *pgxpool.Pool
	runner ExtractionRunner
	lease  Lease
}

// Lease is the optional C11 distributed flush lease. A nil Lease disables
// the optimization; correctness never depends on it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NewPostgresManager returns a Postgres-backed Manager. lease may be nil.
func NewPostgresManager(pool *pgxpool.Pool, runner ExtractionRunner, lease Lease) Manager {
	return &pgManager{pool: pool, runner: runner, lease: lease}
}

// Init creates the blob_content and buffer_zone tables if they don't exist.
func (m *pgManager) Init(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS blob_content (
    user_id TEXT NOT NULL,
    blob_id UUID PRIMARY KEY,
    blob_data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS buffer_zone (
    user_id TEXT NOT NULL,
    buffer_id UUID PRIMARY KEY,
    blob_id UUID NOT NULL,
    blob_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    token_size INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_buffer_zone_queue ON buffer_zone (user_id, blob_type, status, created_at ASC);
`)
	if err != nil {
		return memerr.InternalWrap(err, "init buffer store tables")
	}
	return nil
}

func (m *pgManager) Insert(ctx context.Context, userID, blobID string, blob blobmodel.Blob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return memerr.InternalWrap(err, "marshal blob")
	}
	tokenSize := blobmodel.CountBlobTokens(blob)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return memerr.InternalWrap(err, "begin insert tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO blob_content (user_id, blob_id, blob_data, created_at) VALUES ($1, $2, $3, NOW())
`, userID, blobID, data); err != nil {
		return memerr.InternalWrap(err, "insert blob content")
	}

	bufferID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO buffer_zone (user_id, buffer_id, blob_id, blob_type, status, token_size, created_at)
VALUES ($1, $2, $3, $4, 'idle', $5, NOW())
`, userID, bufferID, blobID, string(blob.Type), tokenSize); err != nil {
		return memerr.InternalWrap(err, "insert buffer entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return memerr.InternalWrap(err, "commit insert tx")
	}
	return nil
}

func (m *pgManager) Capacity(ctx context.Context, userID string, blobType blobmodel.Type) (int, error) {
	var count int
	err := m.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM buffer_zone WHERE user_id = $1 AND blob_type = $2 AND status = 'idle'
`, userID, string(blobType)).Scan(&count)
	if err != nil {
		return 0, memerr.InternalWrap(err, "count idle buffer entries")
	}
	return count, nil
}

func (m *pgManager) IdleIDs(ctx context.Context, userID string, blobType blobmodel.Type) ([]string, error) {
	rows, err := m.pool.Query(ctx, `
SELECT buffer_id FROM buffer_zone WHERE user_id = $1 AND blob_type = $2 AND status = 'idle' ORDER BY created_at ASC
`, userID, string(blobType))
	if err != nil {
		return nil, memerr.InternalWrap(err, "query idle buffer ids")
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (m *pgManager) FlushCandidates(ctx context.Context, userID string, blobType blobmodel.Type, policy FlushPolicy) ([]string, error) {
	rows, err := m.pool.Query(ctx, `
SELECT buffer_id, token_size, created_at FROM buffer_zone
WHERE user_id = $1 AND blob_type = $2 AND status = 'idle' ORDER BY created_at ASC
`, userID, string(blobType))
	if err != nil {
		return nil, memerr.InternalWrap(err, "query buffer queue")
	}
	defer rows.Close()

	type row struct {
		id        string
		tokens    int
		createdAt time.Time
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.tokens, &r.createdAt); err != nil {
			return nil, memerr.InternalWrap(err, "scan buffer row")
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate buffer rows")
	}

	now := time.Now().UTC()
	cutoff := now
	if policy.MaxBufferAge > 0 {
		cutoff = now.Add(-policy.MaxBufferAge)
	}

	thresholdIdx := -1
	running := 0
	for i, r := range all {
		running += r.tokens
		if policy.TokenThreshold > 0 && running > policy.TokenThreshold {
			thresholdIdx = i
			break
		}
	}

	selected := make(map[string]bool)
	if thresholdIdx >= 0 {
		for i := 0; i <= thresholdIdx; i++ {
			selected[all[i].id] = true
		}
	}
	if policy.MaxBufferAge > 0 {
		for _, r := range all {
			if r.createdAt.Before(cutoff) {
				selected[r.id] = true
			}
		}
	}

	if len(selected) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(selected))
	for _, r := range all {
		if selected[r.id] {
			out = append(out, r.id)
		}
	}
	return out, nil
}

func (m *pgManager) Flush(ctx context.Context, userID string, blobType blobmodel.Type, bufferIDs []string) (ExtractionResult, error) {
	log := obs.LoggerWithTrace(ctx)

	leaseKey := fmt.Sprintf("flush:%s:%s", userID, blobType)
	if m.lease != nil {
		acquired, err := m.lease.Acquire(ctx, leaseKey, 30*time.Second)
		if err != nil {
			log.Error().Err(err).Str("lease_key", leaseKey).Msg("bufferstore: lease acquire failed, proceeding without it")
		} else if !acquired {
			log.Info().Str("lease_key", leaseKey).Msg("bufferstore: flush lease held by another worker, skipping")
			return ExtractionResult{}, nil
		} else {
			defer func() { _ = m.lease.Release(ctx, leaseKey) }()
		}
	}

	acquiredIDs, err := m.claimIdle(ctx, userID, bufferIDs)
	if err != nil {
		return ExtractionResult{}, err
	}
	if len(acquiredIDs) == 0 {
		return ExtractionResult{}, nil
	}

	batch, err := m.loadBatch(ctx, userID, acquiredIDs)
	if err != nil {
		_ = m.markStatus(ctx, acquiredIDs, StatusFailed)
		return ExtractionResult{}, err
	}

	result, err := m.runner.Run(ctx, userID, batch)
	if err != nil {
		_ = m.markStatus(ctx, acquiredIDs, StatusFailed)
		return ExtractionResult{}, err
	}
	if err := m.markStatus(ctx, acquiredIDs, StatusDone); err != nil {
		return result, err
	}
	return result, nil
}

// claimIdle atomically transitions bufferIDs from idle to processing,
// returning only the ids that were actually idle. Concurrent flushes of the
// same buffer race here safely: the loser sees an empty or smaller set.
func (m *pgManager) claimIdle(ctx context.Context, userID string, bufferIDs []string) ([]string, error) {
	rows, err := m.pool.Query(ctx, `
UPDATE buffer_zone SET status = 'processing'
WHERE user_id = $1 AND buffer_id = ANY($2) AND status = 'idle'
RETURNING buffer_id
`, userID, bufferIDs)
	if err != nil {
		return nil, memerr.InternalWrap(err, "claim idle buffer entries")
	}
	defer rows.Close()
	return scanStrings(rows)
}

// loadBatch performs the two separate lookups SPEC_FULL.md 4.4 calls for
// (buffer rows, then blob rows) and stitches them by blob_id in-process
// rather than joining across tables.
func (m *pgManager) loadBatch(ctx context.Context, userID string, bufferIDs []string) ([]blobmodel.Blob, error) {
	bufRows, err := m.pool.Query(ctx, `
SELECT blob_id FROM buffer_zone WHERE user_id = $1 AND buffer_id = ANY($2) ORDER BY created_at ASC
`, userID, bufferIDs)
	if err != nil {
		return nil, memerr.InternalWrap(err, "load buffer rows")
	}
	blobIDs, err := scanStrings(bufRows)
	bufRows.Close()
	if err != nil {
		return nil, err
	}

	blobRows, err := m.pool.Query(ctx, `
SELECT blob_id, blob_data FROM blob_content WHERE user_id = $1 AND blob_id = ANY($2)
`, userID, blobIDs)
	if err != nil {
		return nil, memerr.InternalWrap(err, "load blob rows")
	}
	defer blobRows.Close()

	byID := make(map[string]blobmodel.Blob, len(blobIDs))
	for blobRows.Next() {
		var id string
		var data []byte
		if err := blobRows.Scan(&id, &data); err != nil {
			return nil, memerr.InternalWrap(err, "scan blob row")
		}
		var b blobmodel.Blob
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, memerr.InternalWrap(err, "decode blob")
		}
		byID[id] = b
	}
	if err := blobRows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate blob rows")
	}

	batch := make([]blobmodel.Blob, 0, len(blobIDs))
	for _, id := range blobIDs {
		if b, ok := byID[id]; ok {
			batch = append(batch, b)
		}
	}
	return batch, nil
}

func (m *pgManager) markStatus(ctx context.Context, bufferIDs []string, status Status) error {
	_, err := m.pool.Exec(ctx, `UPDATE buffer_zone SET status = $1 WHERE buffer_id = ANY($2)`, string(status), bufferIDs)
	if err != nil {
		return memerr.InternalWrap(err, "update buffer status")
	}
	return nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, memerr.InternalWrap(err, "scan id column")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.InternalWrap(err, "iterate id rows")
	}
	return out, nil
}
