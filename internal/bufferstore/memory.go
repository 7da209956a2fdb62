package bufferstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"memoria/internal/blobmodel"
)

type memRow struct {
	entry Entry
	blob  blobmodel.Blob
}

// memManager is an in-process Manager fake for tests of packages that
// depend on Manager without a live Postgres instance.
type memManager struct {
	mu     sync.Mutex
	rows   map[string]memRow // bufferID -> row
	order  []string          // insertion order of buffer ids
	runner ExtractionRunner
	lease  Lease
}

// NewMemoryManager returns an in-memory Manager fake.
func NewMemoryManager(runner ExtractionRunner) Manager {
	return &memManager{rows: make(map[string]memRow), runner: runner}
}

// NewMemoryManagerWithLease returns an in-memory Manager fake that honors an
// optional C11 flush lease the same way pgManager does, for tests that need
// to drive the lease-held branch without a live Postgres/Redis instance.
func NewMemoryManagerWithLease(runner ExtractionRunner, lease Lease) Manager {
	return &memManager{rows: make(map[string]memRow), runner: runner, lease: lease}
}

func (m *memManager) Insert(ctx context.Context, userID, blobID string, blob blobmodel.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.rows[id] = memRow{
		entry: Entry{
			BufferID: id, UserID: userID, BlobID: blobID, BlobType: blob.Type,
			Status: StatusIdle, TokenSize: blobmodel.CountBlobTokens(blob), CreatedAt: m.now(),
		},
		blob: blob,
	}
	m.order = append(m.order, id)
	return nil
}

func (m *memManager) Capacity(ctx context.Context, userID string, blobType blobmodel.Type) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range m.order {
		r := m.rows[id]
		if r.entry.UserID == userID && r.entry.BlobType == blobType && r.entry.Status == StatusIdle {
			count++
		}
	}
	return count, nil
}

func (m *memManager) IdleIDs(ctx context.Context, userID string, blobType blobmodel.Type) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		r := m.rows[id]
		if r.entry.UserID == userID && r.entry.BlobType == blobType && r.entry.Status == StatusIdle {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memManager) FlushCandidates(ctx context.Context, userID string, blobType blobmodel.Type, policy FlushPolicy) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idle []Entry
	for _, id := range m.order {
		r := m.rows[id]
		if r.entry.UserID == userID && r.entry.BlobType == blobType && r.entry.Status == StatusIdle {
			idle = append(idle, r.entry)
		}
	}

	now := time.Now().UTC()
	thresholdIdx := -1
	running := 0
	for i, e := range idle {
		running += e.TokenSize
		if policy.TokenThreshold > 0 && running > policy.TokenThreshold {
			thresholdIdx = i
			break
		}
	}

	selected := make(map[string]bool)
	if thresholdIdx >= 0 {
		for i := 0; i <= thresholdIdx; i++ {
			selected[idle[i].BufferID] = true
		}
	}
	if policy.MaxBufferAge > 0 {
		cutoff := now.Add(-policy.MaxBufferAge)
		for _, e := range idle {
			if e.CreatedAt.Before(cutoff) {
				selected[e.BufferID] = true
			}
		}
	}

	if len(selected) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(selected))
	for _, e := range idle {
		if selected[e.BufferID] {
			out = append(out, e.BufferID)
		}
	}
	return out, nil
}

func (m *memManager) Flush(ctx context.Context, userID string, blobType blobmodel.Type, bufferIDs []string) (ExtractionResult, error) {
	if m.lease != nil {
		leaseKey := fmt.Sprintf("flush:%s:%s", userID, blobType)
		acquired, err := m.lease.Acquire(ctx, leaseKey, 30*time.Second)
		if err != nil {
			// lease backend unavailable: proceed without it, matching pgManager.
		} else if !acquired {
			return ExtractionResult{}, nil
		} else {
			defer func() { _ = m.lease.Release(ctx, leaseKey) }()
		}
	}

	m.mu.Lock()
	var claimed []string
	var batch []blobmodel.Blob
	for _, id := range bufferIDs {
		r, ok := m.rows[id]
		if !ok || r.entry.Status != StatusIdle || r.entry.UserID != userID {
			continue
		}
		r.entry.Status = StatusProcessing
		m.rows[id] = r
		claimed = append(claimed, id)
		batch = append(batch, r.blob)
	}
	m.mu.Unlock()

	if len(claimed) == 0 {
		return ExtractionResult{}, nil
	}

	result, err := m.runner.Run(ctx, userID, batch)

	m.mu.Lock()
	defer m.mu.Unlock()
	status := StatusDone
	if err != nil {
		status = StatusFailed
	}
	for _, id := range claimed {
		r := m.rows[id]
		r.entry.Status = status
		m.rows[id] = r
	}
	if err != nil {
		return ExtractionResult{}, err
	}
	return result, nil
}

var memSeq int64

func (m *memManager) now() time.Time {
	memSeq++
	return time.Now().UTC().Add(time.Duration(memSeq) * time.Nanosecond)
}
