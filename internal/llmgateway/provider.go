package llmgateway

import "context"

// Provider is the fixed interface every llm_style adapter implements.
// Reimplements the teacher's Provider interface (Chat/ChatStream) narrowed
// to this engine's single Complete call shape, since the core never streams
// and never calls tools.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// Embedder is the embedding half of C5, kept separate from Provider because
// some llm_style adapters (e.g. cached_variant/Anthropic) have no embeddings
// endpoint and delegate to a different configured embedding_provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string, phase EmbedPhase, model string) ([][]float32, error)
	Dimension() int
}
