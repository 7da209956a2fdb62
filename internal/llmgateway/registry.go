package llmgateway

import (
	"net/http"

	"memoria/internal/config"
	"memoria/internal/memerr"
)

// Build constructs a Provider based on cfg.LLMStyle, mirroring the teacher's
// provider factory: a switch on a string key, one adapter per variant, an
// explicit ConfigError for anything else.
func Build(cfg config.Config, httpClient *http.Client) (Provider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch cfg.LLMStyle {
	case config.StyleOpenAICompatible, "":
		return newOpenAIProvider(cfg, httpClient), nil
	case config.StyleCachedVariant:
		return newAnthropicProvider(cfg, httpClient), nil
	case config.StyleGoogle:
		return newGoogleProvider(cfg, httpClient)
	default:
		return nil, memerr.Config("unsupported llm_style: %s", cfg.LLMStyle)
	}
}

// BuildEmbedder constructs the Embedder for cfg.EmbeddingProvider. Only the
// openai_compatible embedding surface is wired for now; other providers are
// a ConfigError rather than a silent zero-vector fallback.
func BuildEmbedder(cfg config.Config, httpClient *http.Client) (Embedder, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch config.LLMStyle(cfg.EmbeddingProvider) {
	case config.StyleOpenAICompatible, "":
		return NewBoundedEmbedder(newOpenAIEmbedder(cfg, httpClient)), nil
	default:
		return nil, memerr.Config("unsupported embedding_provider: %s", cfg.EmbeddingProvider)
	}
}
