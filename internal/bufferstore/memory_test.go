package bufferstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoria/internal/blobmodel"
)

type fakeRunner struct {
	calls int
	err   error
	lastBatch []blobmodel.Blob
}

func (f *fakeRunner) Run(ctx context.Context, userID string, batch []blobmodel.Blob) (ExtractionResult, error) {
	f.calls++
	f.lastBatch = batch
	if f.err != nil {
		return ExtractionResult{}, f.err
	}
	return ExtractionResult{EventID: "evt-1"}, nil
}

func chatBlob(text string) blobmodel.Blob {
	return blobmodel.Blob{
		Type: blobmodel.TypeChat,
		ChatPayload: []blobmodel.ChatMessage{{Role: blobmodel.RoleUser, Content: text}},
	}
}

func TestInsert_PreservesOrderAndIdleStatus(t *testing.T) {
	runner := &fakeRunner{}
	m := NewMemoryManager(runner)
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hello")))
	require.NoError(t, m.Insert(ctx, "u1", "b2", chatBlob("world")))

	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	count, err := m.Capacity(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFlushCandidates_EmptyWhenNoThresholdCrossed(t *testing.T) {
	m := NewMemoryManager(&fakeRunner{})
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("short")))

	ids, err := m.FlushCandidates(ctx, "u1", blobmodel.TypeChat, FlushPolicy{TokenThreshold: 100000})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFlushCandidates_AgeOverrideIncludesOldEntries(t *testing.T) {
	m := NewMemoryManager(&fakeRunner{})
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("old")))

	ids, err := m.FlushCandidates(ctx, "u1", blobmodel.TypeChat, FlushPolicy{TokenThreshold: 100000, MaxBufferAge: time.Nanosecond})
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
}

func TestFlush_TransitionsToDoneAndNeverReturnsToIdle(t *testing.T) {
	runner := &fakeRunner{}
	m := NewMemoryManager(runner)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hi")))

	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)

	result, err := m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", result.EventID)
	assert.Equal(t, 1, runner.calls)

	remaining, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFlush_SecondFlushOfSameIDsProcessesOnce(t *testing.T) {
	runner := &fakeRunner{}
	m := NewMemoryManager(runner)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hi")))
	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)

	r1, err1 := m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	r2, err2 := m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, "evt-1", r1.EventID)
	assert.Equal(t, ExtractionResult{}, r2, "second flush sees no idle rows left to claim")
	assert.Equal(t, 1, runner.calls)
}

func TestFlush_FailureMarksFailedNotIdle(t *testing.T) {
	runner := &fakeRunner{err: assert.AnError}
	m := NewMemoryManager(runner)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hi")))
	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)

	_, err = m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	assert.Error(t, err)

	remaining, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.Empty(t, remaining, "failed entries must not return to idle")
}

type fakeLease struct {
	acquired   bool
	err        error
	released   bool
	acquireKey string
}

func (f *fakeLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.acquireKey = key
	return f.acquired, f.err
}

func (f *fakeLease) Release(ctx context.Context, key string) error {
	f.released = true
	return nil
}

func TestFlush_LeaseHeldByAnotherWorkerIsNotAnError(t *testing.T) {
	runner := &fakeRunner{}
	lease := &fakeLease{acquired: false}
	m := NewMemoryManagerWithLease(runner, lease)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hi")))
	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)

	result, err := m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	require.NoError(t, err, "failure to acquire the flush lease must not surface as an error")
	assert.Equal(t, ExtractionResult{}, result)
	assert.Equal(t, 0, runner.calls, "another worker owns this flush; the batch must not run twice")
	assert.False(t, lease.released, "a lease that was never acquired must not be released")

	remaining, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.NotEmpty(t, remaining, "buffers stay idle so a future flush (by whoever holds the lease) can still claim them")
}

func TestFlush_LeaseAcquiredRunsAndReleases(t *testing.T) {
	runner := &fakeRunner{}
	lease := &fakeLease{acquired: true}
	m := NewMemoryManagerWithLease(runner, lease)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, "u1", "b1", chatBlob("hi")))
	ids, err := m.IdleIDs(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)

	result, err := m.Flush(ctx, "u1", blobmodel.TypeChat, ids)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", result.EventID)
	assert.Equal(t, 1, runner.calls)
	assert.True(t, lease.released)
	assert.Equal(t, "flush:u1:chat", lease.acquireKey)
}

func TestFlush_ZeroBufferIDsShortCircuits(t *testing.T) {
	runner := &fakeRunner{}
	m := NewMemoryManager(runner)
	result, err := m.Flush(context.Background(), "u1", blobmodel.TypeChat, nil)
	require.NoError(t, err)
	assert.Equal(t, ExtractionResult{}, result)
	assert.Equal(t, 0, runner.calls)
}
