// Package bufferstore implements the per-user, per-blob-type ingestion
// buffer (C4): an append-only queue of raw blobs durable across restarts,
// with flush-trigger evaluation and an atomic idle-to-processing handoff
// into the extraction pipeline.
package bufferstore

import (
	"context"
	"time"

	"memoria/internal/blobmodel"
)

// Status is a buffer_zone row's lifecycle state. Entries only ever move
// idle -> processing -> {done, failed}; done/failed never return to idle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Entry is a single buffer_zone row.
type Entry struct {
	BufferID  string
	UserID    string
	BlobID    string
	BlobType  blobmodel.Type
	Status    Status
	TokenSize int
	CreatedAt time.Time
}

// FlushPolicy is the per-blob-type flush-trigger configuration consumed by
// FlushCandidates.
type FlushPolicy struct {
	TokenThreshold int
	MaxBufferAge   time.Duration
}

// ExtractionResult is the outcome Flush returns to its caller, carrying
// through whatever the extraction pipeline produced. UpdateDelta maps a
// mutated profile id to the net-new content the batch contributed to it,
// the piece the original lindorm-memobase implementation exposed as
// `update_delta` for downstream event summarization.
type ExtractionResult struct {
	EventID     string
	AddIDs      []string
	UpdateIDs   []string
	DeleteIDs   []string
	UpdateDelta map[string]string
}

// ExtractionRunner invokes the extraction pipeline (C6) over an ordered
// batch of blobs. The Manager implementation is constructed with one, so
// Flush can drive the pipeline internally per SPEC_FULL.md 4.4; this keeps
// the import edge pointing bufferstore -> (this interface) rather than
// bufferstore -> extraction.
type ExtractionRunner interface {
	Run(ctx context.Context, userID string, batch []blobmodel.Blob) (ExtractionResult, error)
}

// Manager is the C4 buffer manager contract.
type Manager interface {
	Insert(ctx context.Context, userID, blobID string, blob blobmodel.Blob) error
	Capacity(ctx context.Context, userID string, blobType blobmodel.Type) (int, error)
	IdleIDs(ctx context.Context, userID string, blobType blobmodel.Type) ([]string, error)
	FlushCandidates(ctx context.Context, userID string, blobType blobmodel.Type, policy FlushPolicy) ([]string, error)
	Flush(ctx context.Context, userID string, blobType blobmodel.Type, bufferIDs []string) (ExtractionResult, error)
}
