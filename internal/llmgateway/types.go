// Package llmgateway is the uniform request surface over multiple LLM and
// embedding providers (C5): one Complete/Embed call shape, per-provider
// adapters selected by config.LLMStyle, JSON-mode parsing with a bounded
// reformat retry, and transport failures surfaced as ServiceUnavailable for
// callers to retry.
package llmgateway

import "memoria/internal/blobmodel"

// Message is one turn of a completion request's history.
type Message struct {
	Role    blobmodel.Role
	Content string
}

// CompletionRequest is the single call shape every pipeline stage uses,
// whether extracting facts, planning a merge, or filtering profiles.
type CompletionRequest struct {
	System   string
	History  []Message
	Prompt   string
	JSONMode bool
	Model    string
	MaxTokens int
}

// CompletionResult carries the raw text and, when JSONMode was requested,
// the parsed payload as raw JSON bytes ready for json.Unmarshal by the
// caller (the gateway does not know the caller's target struct).
type CompletionResult struct {
	Text string
	JSON []byte
}

// EmbedPhase distinguishes index-time from query-time embedding calls; the
// gateway requires the same model for both, per §4.5.
type EmbedPhase string

const (
	PhaseIndex EmbedPhase = "index"
	PhaseQuery EmbedPhase = "query"
)
