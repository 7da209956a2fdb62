package memoria

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoria/internal/blobmodel"
	"memoria/internal/bufferstore"
	"memoria/internal/config"
	"memoria/internal/eventstore"
	"memoria/internal/llmgateway"
	"memoria/internal/memerr"
	"memoria/internal/obs"
	"memoria/internal/profilestore"
	"memoria/internal/retrieval"
	"memoria/internal/taxonomy"
)

// scriptedProvider dispatches canned JSON by matching a substring of the
// request's system prompt, mirroring the extraction package's own test
// double so the façade's tests stay independent of a live LLM.
type scriptedProvider struct {
	byPromptSubstring map[string]string
	err               map[string]error
}

func (s *scriptedProvider) Complete(ctx context.Context, req llmgateway.CompletionRequest) (llmgateway.CompletionResult, error) {
	for substr, text := range s.byPromptSubstring {
		if strings.Contains(req.System, substr) {
			if e := s.err[substr]; e != nil {
				return llmgateway.CompletionResult{}, e
			}
			return llmgateway.CompletionResult{Text: text}, nil
		}
	}
	return llmgateway.CompletionResult{Text: "{}"}, nil
}

func testConfig() config.Config {
	return config.Config{
		LLMStyle:                          config.StyleOpenAICompatible,
		BestLLMModel:                      "test-model",
		SummaryLLMModel:                   "test-model",
		MaxChatBlobBufferProcessTokenSize: 0,
		MaxChatBlobBufferTokenSize:        2048,
		MaxBufferAgeSeconds:               3600,
		MaxProfileSubtopics:               10,
		EnableEventEmbedding:              false,
		VectorBackend:                     config.VectorBackendPostgres,
		// never dialed: WithMemoryBufferManager + WithProfileStore/WithEventStore
		// keep New from ever needing a pool, but Validate still requires a DSN.
		PostgresDSN: "postgres://unused/unused",
	}
}

func newTestClient(t *testing.T, provider llmgateway.Provider) (*Client, profilestore.Store, eventstore.Store) {
	t.Helper()
	profiles := profilestore.NewMemoryStore()
	events := eventstore.NewMemoryStore(true)
	gw := &llmgateway.Gateway{Provider: provider}
	c, err := New(context.Background(), testConfig(),
		WithProfileStore(profiles),
		WithEventStore(events),
		WithGateway(gw),
		WithMemoryBufferManager(),
	)
	require.NoError(t, err)
	return c, profiles, events
}

func chatBlob(text string) blobmodel.Blob {
	return blobmodel.Blob{
		Type:        blobmodel.TypeChat,
		ChatPayload: []blobmodel.ChatMessage{{Role: blobmodel.RoleUser, Content: text}},
	}
}

func TestExtractMemories_ColdStartAddsProfile(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"hobbies","sub_topic":"music","memo":"plays guitar"}]}`,
		"Summarize what":        `{"summary":"learned a hobby","gists":["user plays guitar"]}`,
	}}
	c, profiles, _ := newTestClient(t, provider)

	result, err := c.ExtractMemories(context.Background(), "u1", []blobmodel.Blob{chatBlob("I play guitar")}, nil)
	require.NoError(t, err)
	require.Len(t, result.AddIDs, 1)

	entries, err := profiles.List(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "plays guitar", entries[0].Content)
}

func TestExtractMemories_UpdateOverAppendsExisting(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"career","sub_topic":"role","memo":"now a senior engineer"}]}`,
		"decide how":            `{"action":"replace","memo":"senior engineer"}`,
		"Summarize what":        `{"summary":"career update","gists":["now a senior engineer"]}`,
	}}
	c, profiles, _ := newTestClient(t, provider)
	ctx := context.Background()

	ids, err := profiles.Add(ctx, "u1", []profilestore.NewProfile{{Topic: "career", SubTopic: "role", Content: "engineer"}})
	require.NoError(t, err)

	result, err := c.ExtractMemories(ctx, "u1", []blobmodel.Blob{chatBlob("I got promoted")}, nil)
	require.NoError(t, err)
	assert.Equal(t, ids, result.UpdateIDs)

	entries, err := profiles.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "senior engineer", entries[0].Content)
}

func TestExtractMemories_ContradictionDeletesProfile(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"career","sub_topic":"role","memo":"no longer employed there"}]}`,
		"decide how":            `{"action":"delete"}`,
		"Confirm whether":       `{"confirmed":true}`,
		"Summarize what":        `{"summary":"left job","gists":["no longer employed"]}`,
	}}
	profiles := profilestore.NewMemoryStore()
	cfg := testConfig()
	cfg.ProfileValidateMode = true
	c, err := New(context.Background(), cfg,
		WithProfileStore(profiles), WithEventStore(eventstore.NewMemoryStore(true)),
		WithGateway(&llmgateway.Gateway{Provider: provider}), WithMemoryBufferManager())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = profiles.Add(ctx, "u1", []profilestore.NewProfile{{Topic: "career", SubTopic: "role", Content: "engineer at Acme"}})
	require.NoError(t, err)

	result, err := c.ExtractMemories(ctx, "u1", []blobmodel.Blob{chatBlob("I quit")}, nil)
	require.NoError(t, err)
	assert.Len(t, result.DeleteIDs, 1)

	entries, err := profiles.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetConversationContext_UsesFacadeRetrieval(t *testing.T) {
	c, profiles, _ := newTestClient(t, &scriptedProvider{})
	ctx := context.Background()

	_, err := profiles.Add(ctx, "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)

	out, err := c.GetConversationContext(ctx, "u1", nil, retrieval.Options{
		MaxTokenSize:                  4096,
		ProfileEventRatio:             0.6,
		FullProfileAndOnlySearchEvent: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "plays guitar")
}

func TestSearchEvents_NoEmbedderReturnsNotImplemented(t *testing.T) {
	c, _, _ := newTestClient(t, &scriptedProvider{})
	_, err := c.SearchEvents(context.Background(), "u1", "guitar", 5, 0.5, 0)
	assert.True(t, memerr.IsKind(err, memerr.NotImplemented))
}

func TestSearchProfiles_DelegatesToRelevantProfilesWithSyntheticTail(t *testing.T) {
	provider := &scriptedProvider{}
	c, profiles, _ := newTestClient(t, provider)
	ctx := context.Background()

	ids, err := profiles.Add(ctx, "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)
	provider.byPromptSubstring = map[string]string{
		"decide which profile entries": `{"reason":"relevant","profiles":["` + ids[0] + `"]}`,
	}

	results, err := c.SearchProfiles(ctx, "u1", "what does the user play", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "plays guitar", results[0].Content)
}

func TestIngestBlob_AutoFlushesOnTokenThreshold(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"hobbies","sub_topic":"music","memo":"plays guitar"}]}`,
		"Summarize what":        `{"summary":"learned a hobby","gists":["user plays guitar"]}`,
	}}
	profiles := profilestore.NewMemoryStore()
	events := eventstore.NewMemoryStore(true)
	gw := &llmgateway.Gateway{Provider: provider}
	cfg := testConfig()
	cfg.MaxChatBlobBufferTokenSize = 1 // flush after the very first blob
	c, err := New(context.Background(), cfg,
		WithProfileStore(profiles), WithEventStore(events), WithGateway(gw), WithMemoryBufferManager())
	require.NoError(t, err)

	result, err := c.IngestBlob(context.Background(), "u1", "b1", chatBlob("I play guitar"))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.AddIDs, 1)
}

func TestIngestBlob_BelowThresholdLeavesBufferIdle(t *testing.T) {
	c, _, _ := newTestClient(t, &scriptedProvider{})
	result, err := c.IngestBlob(context.Background(), "u1", "b1", chatBlob("I play guitar"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFlushBuffer_ManualFlushIgnoresThreshold(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"hobbies","sub_topic":"music","memo":"plays guitar"}]}`,
		"Summarize what":        `{"summary":"learned a hobby","gists":["user plays guitar"]}`,
	}}
	c, _, _ := newTestClient(t, provider)
	ctx := context.Background()

	result, err := c.IngestBlob(ctx, "u1", "b1", chatBlob("I play guitar"))
	require.NoError(t, err)
	assert.Nil(t, result) // below the default 2048 token threshold, not auto-flushed

	flushed, err := c.FlushBuffer(ctx, "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.Len(t, flushed.AddIDs, 1)
}

func TestFlushBuffer_NoIdleBuffersIsNoop(t *testing.T) {
	c, _, _ := newTestClient(t, &scriptedProvider{})
	result, err := c.FlushBuffer(context.Background(), "u1", blobmodel.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, bufferstore.ExtractionResult{}, result)
}

func TestNew_OtelEnabledSelectsOtelMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.OtelEnabled = true
	c, err := New(context.Background(), cfg,
		WithProfileStore(profilestore.NewMemoryStore()),
		WithEventStore(eventstore.NewMemoryStore(true)),
		WithGateway(&llmgateway.Gateway{Provider: &scriptedProvider{}}),
		WithMemoryBufferManager())
	require.NoError(t, err)
	_, isOtel := c.metrics.(*obs.OtelMetrics)
	assert.True(t, isOtel, "otel_enabled must select OtelMetrics over the default NoopMetrics")
}

func TestNew_ExplicitMetricsOverrideOtelEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.OtelEnabled = true
	custom := obs.NoopMetrics{}
	c, err := New(context.Background(), cfg,
		WithProfileStore(profilestore.NewMemoryStore()),
		WithEventStore(eventstore.NewMemoryStore(true)),
		WithGateway(&llmgateway.Gateway{Provider: &scriptedProvider{}}),
		WithMemoryBufferManager(),
		WithMetrics(custom))
	require.NoError(t, err)
	assert.Equal(t, custom, c.metrics, "an explicitly supplied Metrics must win over otel_enabled")
}

func TestGetUserProfiles_FiltersByTopic(t *testing.T) {
	c, profiles, _ := newTestClient(t, &scriptedProvider{})
	ctx := context.Background()

	_, err := profiles.Add(ctx, "u1", []profilestore.NewProfile{
		{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"},
		{Topic: "career", SubTopic: "role", Content: "engineer"},
	})
	require.NoError(t, err)

	rows, err := c.GetUserProfiles(ctx, "u1", []string{"career"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "career", rows[0].Topic)
}

func TestExtractMemories_ProfileConfigOverrideIsPerCallOnly(t *testing.T) {
	provider := &scriptedProvider{byPromptSubstring: map[string]string{
		"extract durable facts": `{"facts":[{"topic":"astrology","sub_topic":"sign","memo":"is a Leo"}]}`,
		"Summarize what":        `{"summary":"misc fact","gists":["is a Leo"]}`,
	}}
	c, profiles, _ := newTestClient(t, provider)
	ctx := context.Background()

	override := taxonomy.Config{Topics: []taxonomy.Topic{
		{Name: "astrology", SubTopics: []taxonomy.SubTopic{{Name: "sign"}}},
	}}
	result, err := c.ExtractMemories(ctx, "u1", []blobmodel.Blob{chatBlob("I'm a Leo")}, &override)
	require.NoError(t, err)
	require.Len(t, result.AddIDs, 1)

	entries, err := profiles.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "astrology", entries[0].Topic)

	_, err = c.ExtractMemories(ctx, "u2", []blobmodel.Blob{chatBlob("I'm a Leo")}, nil)
	require.NoError(t, err)
	entries, err = profiles.List(ctx, "u2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, taxonomy.FallbackTopic, entries[0].Topic)
}
