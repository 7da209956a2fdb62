// Package memoria implements the C8 façade: a single Client bound to a
// Config that constructs every other component and exposes the engine's
// public verb set.
package memoria

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"memoria/internal/blobmodel"
	"memoria/internal/bufferstore"
	"memoria/internal/config"
	"memoria/internal/eventstore"
	"memoria/internal/extraction"
	"memoria/internal/llmgateway"
	"memoria/internal/memerr"
	"memoria/internal/obs"
	"memoria/internal/persistence/databases"
	"memoria/internal/profilestore"
	"memoria/internal/retrieval"
	"memoria/internal/taxonomy"
	"memoria/internal/version"
)

// Client is the engine's single entry point, constructed once from a
// Config and reused across requests.
type Client struct {
	cfg      config.Config
	taxonomy taxonomy.Config

	profiles profilestore.Store
	events   eventstore.Store
	buffers  bufferstore.Manager
	gateway  *llmgateway.Gateway
	embedder llmgateway.Embedder

	pipeline  *extraction.Pipeline
	assembler *retrieval.Assembler

	log     obs.Logger
	metrics obs.Metrics
	clock   obs.Clock
}

type buildOptions struct {
	log      obs.Logger
	metrics  obs.Metrics
	clock    obs.Clock
	profiles profilestore.Store
	events   eventstore.Store
	buffers  bufferstore.Manager
	gateway  *llmgateway.Gateway
	embedder llmgateway.Embedder
	lease    bufferstore.Lease
	taxonomy *taxonomy.Config
	useMemoryBuffers bool
}

// Option configures a Client during construction.
type Option func(*buildOptions)

func WithLogger(l obs.Logger) Option   { return func(o *buildOptions) { o.log = l } }
func WithMetrics(m obs.Metrics) Option { return func(o *buildOptions) { o.metrics = m } }
func WithClock(c obs.Clock) Option     { return func(o *buildOptions) { o.clock = c } }

// WithProfileStore overrides the profile store the Client would otherwise
// build from Config (intended for tests and for sharing a store across
// multiple Clients).
func WithProfileStore(s profilestore.Store) Option { return func(o *buildOptions) { o.profiles = s } }

// WithEventStore overrides the event/gist store.
func WithEventStore(s eventstore.Store) Option { return func(o *buildOptions) { o.events = s } }

// WithBufferManager overrides the buffer manager outright. Since a Manager
// is normally constructed with the Client's own extraction pipeline as its
// ExtractionRunner, most callers should prefer leaving this unset; a
// Manager supplied here runs whatever ExtractionRunner it was built with.
// Tests that want an in-memory Manager wired to the Client's own pipeline
// use WithMemoryBufferManager instead.
func WithBufferManager(m bufferstore.Manager) Option { return func(o *buildOptions) { o.buffers = m } }

// WithGateway overrides the LLM/embedding gateway.
func WithGateway(g *llmgateway.Gateway) Option { return func(o *buildOptions) { o.gateway = g } }

// WithEmbedder overrides the embedder used by extraction's event-gist
// embedding and retrieval's query embedding, independent of the gateway's
// own embedder (useful to disable embedding in tests without touching
// EnableEventEmbedding).
func WithEmbedder(e llmgateway.Embedder) Option { return func(o *buildOptions) { o.embedder = e } }

// WithLease supplies the C11 distributed flush lease explicitly, bypassing
// Config.FlushLeaseRedisAddr.
func WithLease(l bufferstore.Lease) Option { return func(o *buildOptions) { o.lease = l } }

// WithTaxonomy overrides the profile topic taxonomy, merged with the
// built-in default per taxonomy.Resolve's Overwrite rule.
func WithTaxonomy(t taxonomy.Config) Option { return func(o *buildOptions) { o.taxonomy = &t } }

// WithMemoryBufferManager builds the buffer manager as an in-memory
// bufferstore.Manager wired to the Client's own extraction pipeline,
// instead of the default Postgres-backed one. Intended for tests: unlike
// WithBufferManager, this still exercises the real ExtractMemories/Flush
// wiring, just without a database.
func WithMemoryBufferManager() Option { return func(o *buildOptions) { o.useMemoryBuffers = true } }

// retryRead retries fn up to two additional times when it fails with a
// ServiceUnavailable error, per SPEC_FULL.md §7's "retried... twice by the
// façade for idempotent reads" policy. Any other error kind, or a
// ServiceUnavailable that persists through both retries, is returned as-is.
func retryRead[T any](fn func() (T, error)) (T, error) {
	v, err := fn()
	for attempt := 0; attempt < 2 && err != nil && memerr.IsKind(err, memerr.ServiceUnavailable); attempt++ {
		v, err = fn()
	}
	return v, err
}

type initializer interface {
	Init(ctx context.Context) error
}

func initIfNeeded(ctx context.Context, s any) error {
	if in, ok := s.(initializer); ok {
		return in.Init(ctx)
	}
	return nil
}

// New builds a Client from cfg, wiring Postgres/Qdrant-backed stores, the
// LLM gateway and the extraction pipeline/retrieval assembler, unless
// overridden by opts.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &buildOptions{
		log:   obs.NewZerologAdapter(),
		clock: obs.SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		if cfg.OtelEnabled {
			obs.InitOtel()
			o.metrics = obs.NewOtelMetrics()
		} else {
			o.metrics = obs.NoopMetrics{}
		}
	}
	o.log.Info("starting memoria client", map[string]any{"version": version.Version})

	var pool *pgxpool.Pool
	needPool := o.profiles == nil || o.events == nil || (o.buffers == nil && !o.useMemoryBuffers)
	if needPool {
		p, err := databases.OpenPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, memerr.UnavailableWrap(err, "opening postgres pool")
		}
		pool = p
	}

	profiles := o.profiles
	if profiles == nil {
		ps := profilestore.NewPostgresStore(pool)
		if err := initIfNeeded(ctx, ps); err != nil {
			return nil, err
		}
		profiles = ps
	}

	events := o.events
	if events == nil {
		pgEvents := eventstore.NewPostgresStore(pool, cfg.EmbeddingDim, cfg.EnableEventEmbedding)
		if err := initIfNeeded(ctx, pgEvents); err != nil {
			return nil, err
		}
		switch cfg.VectorBackend {
		case config.VectorBackendQdrant:
			qEvents, err := eventstore.NewQdrantStore(pgEvents, cfg.QdrantDSN, cfg.QdrantCollection, cfg.EmbeddingDim, cfg.EnableEventEmbedding)
			if err != nil {
				return nil, err
			}
			events = qEvents
		default:
			events = pgEvents
		}
	}

	gateway := o.gateway
	if gateway == nil {
		g, err := llmgateway.New(cfg, nil)
		if err != nil {
			return nil, err
		}
		gateway = g
	}
	embedder := o.embedder
	if embedder == nil {
		embedder = gateway.Embedder
	}

	tax := taxonomy.Resolve(o.taxonomy)

	pipeline := extraction.New(profiles, events, gateway, embedder, tax, cfg,
		extraction.WithLogger(o.log), extraction.WithMetrics(o.metrics), extraction.WithClock(o.clock))
	assembler := retrieval.New(profiles, events, gateway, embedder, cfg,
		retrieval.WithLogger(o.log), retrieval.WithMetrics(o.metrics), retrieval.WithClock(o.clock))

	buffers := o.buffers
	switch {
	case buffers != nil:
		// already supplied
	case o.useMemoryBuffers:
		buffers = bufferstore.NewMemoryManager(pipeline)
	default:
		lease := o.lease
		if lease == nil {
			lease = bufferstore.NewRedisLease(cfg.FlushLeaseRedisAddr)
		}
		pm := bufferstore.NewPostgresManager(pool, pipeline, lease)
		if err := initIfNeeded(ctx, pm); err != nil {
			return nil, err
		}
		buffers = pm
	}

	return &Client{
		cfg: cfg, taxonomy: tax,
		profiles: profiles, events: events, buffers: buffers,
		gateway: gateway, embedder: embedder,
		pipeline: pipeline, assembler: assembler,
		log: o.log, metrics: o.metrics, clock: o.clock,
	}, nil
}

// Version reports the build version of the running engine, for
// diagnostics; New also logs it once at construction.
func (c *Client) Version() string { return version.Version }

// IngestBlob appends blob to the user's per-type buffer and, if the
// resulting buffer crosses its flush threshold, immediately flushes it —
// the ambient auto-flush behavior C4's threshold policy exists to drive.
func (c *Client) IngestBlob(ctx context.Context, userID, blobID string, blob blobmodel.Blob) (*bufferstore.ExtractionResult, error) {
	if err := c.buffers.Insert(ctx, userID, blobID, blob); err != nil {
		return nil, err
	}
	policy := bufferstore.FlushPolicy{
		TokenThreshold: c.cfg.MaxChatBlobBufferTokenSize,
		MaxBufferAge:   time.Duration(c.cfg.MaxBufferAgeSeconds) * time.Second,
	}
	candidates, err := c.buffers.FlushCandidates(ctx, userID, blob.Type, policy)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	result, err := c.buffers.Flush(ctx, userID, blob.Type, candidates)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FlushBuffer manually flushes the idle prefix for (userID, blobType)
// regardless of threshold, always through the engine-wide taxonomy — unlike
// ExtractMemories, there is no natural caller-supplied profile_config for a
// policy-triggered flush path.
func (c *Client) FlushBuffer(ctx context.Context, userID string, blobType blobmodel.Type) (bufferstore.ExtractionResult, error) {
	ids, err := c.buffers.IdleIDs(ctx, userID, blobType)
	if err != nil {
		return bufferstore.ExtractionResult{}, err
	}
	if len(ids) == 0 {
		return bufferstore.ExtractionResult{}, nil
	}
	return c.buffers.Flush(ctx, userID, blobType, ids)
}

// ExtractMemories runs the extraction pipeline directly over blobs,
// bypassing the buffer. A non-nil profileConfig overrides the engine-wide
// taxonomy for this call only.
func (c *Client) ExtractMemories(ctx context.Context, userID string, blobs []blobmodel.Blob, profileConfig *taxonomy.Config) (bufferstore.ExtractionResult, error) {
	if profileConfig == nil {
		return c.pipeline.Run(ctx, userID, blobs)
	}
	tax := taxonomy.Resolve(profileConfig)
	p := extraction.New(c.profiles, c.events, c.gateway, c.embedder, tax, c.cfg,
		extraction.WithLogger(c.log), extraction.WithMetrics(c.metrics), extraction.WithClock(c.clock))
	return p.Run(ctx, userID, blobs)
}

// GetUserProfiles lists the user's profile rows, optionally restricted to
// topics.
func (c *Client) GetUserProfiles(ctx context.Context, userID string, topics []string) ([]profilestore.ProfileEntry, error) {
	rows, err := retryRead(func() ([]profilestore.ProfileEntry, error) {
		return c.profiles.List(ctx, userID, 0)
	})
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return rows, nil
	}
	allow := make(map[string]bool, len(topics))
	for _, t := range topics {
		allow[t] = true
	}
	out := rows[:0:0]
	for _, r := range rows {
		if allow[r.Topic] {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetEvents returns the user's most recent event gists within windowDays,
// capped at limit.
func (c *Client) GetEvents(ctx context.Context, userID string, windowDays, limit int) ([]eventstore.Gist, error) {
	return retryRead(func() ([]eventstore.Gist, error) {
		return c.events.RecentGists(ctx, userID, limit, windowDays)
	})
}

// SearchEvents embeds query and runs a similarity search over the user's
// gists.
func (c *Client) SearchEvents(ctx context.Context, userID, query string, limit int, threshold float64, windowDays int) ([]eventstore.ScoredGist, error) {
	if c.embedder == nil {
		return nil, memerr.NotImpl("event search requires an embedder but event embedding is disabled")
	}
	return retryRead(func() ([]eventstore.ScoredGist, error) {
		vecs, err := c.embedder.Embed(ctx, []string{query}, llmgateway.PhaseQuery, c.cfg.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		return c.events.SearchGists(ctx, userID, vecs[0], limit, threshold, windowDays)
	})
}

// GetRelevantProfiles runs the retrieval assembler's candidate-set and
// optional LLM-filter stages only.
func (c *Client) GetRelevantProfiles(ctx context.Context, userID string, conversation []blobmodel.ChatMessage, opts retrieval.Options) ([]profilestore.ProfileEntry, error) {
	return c.assembler.GetRelevantProfiles(ctx, userID, conversation, opts)
}

// GetConversationContext runs the full retrieval pipeline and renders a
// bounded context string for prompt injection.
func (c *Client) GetConversationContext(ctx context.Context, userID string, conversation []blobmodel.ChatMessage, opts retrieval.Options) (string, error) {
	return c.assembler.GetConversationContext(ctx, userID, conversation, opts)
}

// SearchProfiles reuses GetRelevantProfiles with a synthetic one-message
// conversation carrying query, per SPEC_FULL.md 4.8 — the core deliberately
// does not maintain a separate profile search index.
func (c *Client) SearchProfiles(ctx context.Context, userID, query string, topics []string, maxResults int) ([]profilestore.ProfileEntry, error) {
	opts := retrieval.DefaultOptions()
	opts.OnlyTopics = topics
	synthetic := []blobmodel.ChatMessage{{Role: blobmodel.RoleUser, Content: query}}
	results, err := c.assembler.GetRelevantProfiles(ctx, userID, synthetic, opts)
	if err != nil {
		return nil, err
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}
