// Package config loads the memory engine's Config from the environment,
// following this stack's existing loader idiom: an optional .env file read
// via godotenv, explicit os.Getenv lookups with documented defaults applied
// after parsing, never a YAML/struct-tag config framework.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"memoria/internal/memerr"
)

// LLMStyle selects the provider adapter C5 dispatches to.
type LLMStyle string

const (
	StyleOpenAICompatible LLMStyle = "openai_compatible"
	StyleCachedVariant    LLMStyle = "cached_variant"
	StyleGoogle           LLMStyle = "google"
)

// VectorBackend selects C3's similarity-search backend.
type VectorBackend string

const (
	VectorBackendPostgres VectorBackend = "postgres"
	VectorBackendQdrant   VectorBackend = "qdrant"
)

// Config is the single object passed explicitly to every entry point; no
// component reads ambient global state.
type Config struct {
	Language string

	LLMStyle         LLMStyle
	BestLLMModel     string
	ThinkingLLMModel string
	SummaryLLMModel  string
	LLMAPIKey        string
	LLMBaseURL       string

	EmbeddingProvider    string
	EmbeddingAPIKey      string
	EmbeddingBaseURL     string
	EmbeddingModel       string
	EmbeddingDim         int
	EnableEventEmbedding bool

	MaxChatBlobBufferTokenSize        int
	MaxChatBlobBufferProcessTokenSize int
	MaxBufferAgeSeconds               int64

	ProfileStrictMode   bool
	ProfileValidateMode bool
	MaxProfileSubtopics int

	UseTimezone string

	VectorBackend    VectorBackend
	PostgresDSN      string
	QdrantDSN        string
	QdrantCollection string

	FlushLeaseRedisAddr string

	LogLevel string
	LogPath  string

	OtelEnabled bool
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads configuration from the environment (optionally overlaid by a
// .env file) and validates the cross-field invariants the core relies on.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Language:         env("MEMORIA_LANGUAGE", "en"),
		LLMStyle:         LLMStyle(env("MEMORIA_LLM_STYLE", string(StyleOpenAICompatible))),
		BestLLMModel:     env("MEMORIA_BEST_LLM_MODEL", "gpt-4o-mini"),
		ThinkingLLMModel: env("MEMORIA_THINKING_LLM_MODEL", env("MEMORIA_BEST_LLM_MODEL", "gpt-4o-mini")),
		SummaryLLMModel:  env("MEMORIA_SUMMARY_LLM_MODEL", env("MEMORIA_BEST_LLM_MODEL", "gpt-4o-mini")),
		LLMAPIKey:        env("MEMORIA_LLM_API_KEY", ""),
		LLMBaseURL:       env("MEMORIA_LLM_BASE_URL", ""),

		EmbeddingProvider:    env("MEMORIA_EMBEDDING_PROVIDER", string(StyleOpenAICompatible)),
		EmbeddingAPIKey:      env("MEMORIA_EMBEDDING_API_KEY", env("MEMORIA_LLM_API_KEY", "")),
		EmbeddingBaseURL:     env("MEMORIA_EMBEDDING_BASE_URL", ""),
		EmbeddingModel:       env("MEMORIA_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:         envInt("MEMORIA_EMBEDDING_DIM", 768),
		EnableEventEmbedding: envBool("MEMORIA_ENABLE_EVENT_EMBEDDING", true),

		MaxChatBlobBufferTokenSize:        envInt("MEMORIA_MAX_CHAT_BLOB_BUFFER_TOKEN_SIZE", 2048),
		MaxChatBlobBufferProcessTokenSize: envInt("MEMORIA_MAX_CHAT_BLOB_BUFFER_PROCESS_TOKEN_SIZE", 8192),
		MaxBufferAgeSeconds:               envInt64("MEMORIA_MAX_BUFFER_AGE_SECONDS", 3600),

		ProfileStrictMode:   envBool("MEMORIA_PROFILE_STRICT_MODE", false),
		ProfileValidateMode: envBool("MEMORIA_PROFILE_VALIDATE_MODE", false),
		MaxProfileSubtopics: envInt("MEMORIA_PROFILE_MAX_SUBTOPICS", 10),

		UseTimezone: env("MEMORIA_USE_TIMEZONE", "UTC"),

		VectorBackend:    VectorBackend(env("MEMORIA_VECTOR_BACKEND", string(VectorBackendPostgres))),
		PostgresDSN:      env("MEMORIA_POSTGRES_DSN", ""),
		QdrantDSN:        env("MEMORIA_QDRANT_DSN", ""),
		QdrantCollection: env("MEMORIA_QDRANT_COLLECTION", "memoria_gists"),

		FlushLeaseRedisAddr: env("MEMORIA_FLUSH_LEASE_REDIS_ADDR", ""),

		LogLevel: env("MEMORIA_LOG_LEVEL", "info"),
		LogPath:  env("MEMORIA_LOG_PATH", ""),

		OtelEnabled: envBool("MEMORIA_OTEL_ENABLED", false),
	}

	return cfg, cfg.Validate()
}

// Validate checks the cross-field invariants the core depends on, returning
// a ConfigError (never a generic error) on violation.
func (c Config) Validate() error {
	switch c.LLMStyle {
	case StyleOpenAICompatible, StyleCachedVariant, StyleGoogle:
	default:
		return memerr.Config("unknown llm_style %q", c.LLMStyle)
	}
	if c.EnableEventEmbedding && c.EmbeddingDim <= 0 {
		return memerr.Config("embedding_dim must be positive when event embedding is enabled")
	}
	switch c.VectorBackend {
	case VectorBackendPostgres, VectorBackendQdrant:
	default:
		return memerr.Config("unknown vector_backend %q", c.VectorBackend)
	}
	if c.VectorBackend == VectorBackendQdrant && c.QdrantDSN == "" {
		return memerr.Config("qdrant_dsn is required when vector_backend=qdrant")
	}
	if c.PostgresDSN == "" {
		return memerr.Config("postgres_dsn is required")
	}
	return nil
}
