package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoria/internal/blobmodel"
	"memoria/internal/config"
	"memoria/internal/eventstore"
	"memoria/internal/llmgateway"
	"memoria/internal/profilestore"
)

type fakeFilterProvider struct {
	keepIDs []string
	err     error
}

func (f *fakeFilterProvider) Complete(ctx context.Context, req llmgateway.CompletionRequest) (llmgateway.CompletionResult, error) {
	if f.err != nil {
		return llmgateway.CompletionResult{}, f.err
	}
	ids := `[]`
	if len(f.keepIDs) > 0 {
		ids = `["` + f.keepIDs[0] + `"`
		for _, id := range f.keepIDs[1:] {
			ids += `,"` + id + `"`
		}
		ids += `]`
	}
	return llmgateway.CompletionResult{Text: `{"reason":"ok","profiles":` + ids + `}`}, nil
}

func setup(t *testing.T, provider llmgateway.Provider) (*Assembler, profilestore.Store, eventstore.Store) {
	t.Helper()
	profiles := profilestore.NewMemoryStore()
	events := eventstore.NewMemoryStore(false)
	gw := &llmgateway.Gateway{Provider: provider}
	cfg := config.Config{BestLLMModel: "test-model"}
	a := New(profiles, events, gw, nil, cfg)
	return a, profiles, events
}

func tailOf(msgs ...string) []blobmodel.ChatMessage {
	out := make([]blobmodel.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = blobmodel.ChatMessage{Role: blobmodel.RoleUser, Content: m}
	}
	return out
}

func TestGetConversationContext_MaxTokenSizeZeroYieldsEmptyString(t *testing.T) {
	a, _, _ := setup(t, &fakeFilterProvider{})
	out, err := a.GetConversationContext(context.Background(), "u1", tailOf("hi"), Options{MaxTokenSize: 0})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestGetConversationContext_EmptyTailOmitsSessionSection(t *testing.T) {
	a, profiles, _ := setup(t, &fakeFilterProvider{})
	_, err := profiles.Add(context.Background(), "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)

	out, err := a.GetConversationContext(context.Background(), "u1", nil, Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6, FullProfileAndOnlySearchEvent: true})
	require.NoError(t, err)
	assert.Contains(t, out, "## User Current Profile:")
	assert.NotContains(t, out, "## Current Session Context:")
}

func TestGetConversationContext_FullProfileAndOnlySearchEventSkipsFilter(t *testing.T) {
	a, profiles, _ := setup(t, &fakeFilterProvider{keepIDs: nil})
	ids, err := profiles.Add(context.Background(), "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)

	kept, err := a.GetRelevantProfiles(context.Background(), "u1", tailOf("what do I like?"), Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6, FullProfileAndOnlySearchEvent: true})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, ids[0], kept[0].ProfileID)
}

func TestGetRelevantProfiles_FilterKeepsOnlyListedIDs(t *testing.T) {
	ids := []string{}
	a, profiles, _ := setup(t, nil)
	id1, err := profiles.Add(context.Background(), "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)
	id2, err := profiles.Add(context.Background(), "u1", []profilestore.NewProfile{{Topic: "career", SubTopic: "role", Content: "engineer"}})
	require.NoError(t, err)
	ids = append(ids, id1[0], id2[0])

	a.gateway.Provider = &fakeFilterProvider{keepIDs: []string{ids[0]}}
	kept, err := a.GetRelevantProfiles(context.Background(), "u1", tailOf("tell me about my hobbies"), Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, ids[0], kept[0].ProfileID)
}

func TestGetRelevantProfiles_FilterFailureFallsBackToUnfiltered(t *testing.T) {
	a, profiles, _ := setup(t, &fakeFilterProvider{err: assert.AnError})
	_, err := profiles.Add(context.Background(), "u1", []profilestore.NewProfile{{Topic: "hobbies", SubTopic: "music", Content: "plays guitar"}})
	require.NoError(t, err)

	kept, err := a.GetRelevantProfiles(context.Background(), "u1", tailOf("what do I like?"), Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6})
	require.NoError(t, err)
	require.Len(t, kept, 1)
}

func TestGetConversationContext_EventsRenderedWhenPresent(t *testing.T) {
	a, _, events := setup(t, &fakeFilterProvider{})
	_, err := events.PutEvent(context.Background(), "u1", map[string]any{"summary": "x"}, nil)
	require.NoError(t, err)
	_, err = events.PutGist(context.Background(), "u1", "ev1", "user learned Go", nil)
	require.NoError(t, err)

	out, err := a.GetConversationContext(context.Background(), "u1", tailOf("hi"), Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6})
	require.NoError(t, err)
	assert.Contains(t, out, "## Past Events:")
	assert.Contains(t, out, "user learned Go")
}

func TestGetConversationContext_EmbeddingsDisabledUsesRecentGists(t *testing.T) {
	profiles := profilestore.NewMemoryStore()
	events := eventstore.NewMemoryStore(false) // embeddings disabled: SearchGists returns NotImplemented
	gw := &llmgateway.Gateway{Provider: &fakeFilterProvider{}}
	cfg := config.Config{BestLLMModel: "test-model", EnableEventEmbedding: false}
	a := New(profiles, events, gw, nil, cfg)

	_, err := events.PutEvent(context.Background(), "u1", map[string]any{}, nil)
	require.NoError(t, err)
	_, err = events.PutGist(context.Background(), "u1", "ev1", "gist one", nil)
	require.NoError(t, err)

	out, err := a.GetConversationContext(context.Background(), "u1", tailOf("hi"), Options{MaxTokenSize: 4096, ProfileEventRatio: 0.6})
	require.NoError(t, err)
	assert.Contains(t, out, "gist one")
}

func TestApplyTopicCaps_RespectsGlobalAndPerTopicLimits(t *testing.T) {
	rows := []profilestore.ProfileEntry{
		{ProfileID: "1", Topic: "hobbies", SubTopic: "a"},
		{ProfileID: "2", Topic: "hobbies", SubTopic: "b"},
		{ProfileID: "3", Topic: "hobbies", SubTopic: "c"},
		{ProfileID: "4", Topic: "career", SubTopic: "a"},
	}
	out := applyTopicCaps(rows, map[string]int{"hobbies": 2}, 1)
	assert.Len(t, out, 3) // 2 hobbies + 1 career
}

func TestReorderByPreference_StablePreferredFirst(t *testing.T) {
	rows := []profilestore.ProfileEntry{
		{ProfileID: "1", Topic: "career"},
		{ProfileID: "2", Topic: "hobbies"},
		{ProfileID: "3", Topic: "career"},
	}
	out := reorderByPreference(rows, []string{"hobbies"})
	assert.Equal(t, "2", out[0].ProfileID)
	assert.Equal(t, "1", out[1].ProfileID)
	assert.Equal(t, "3", out[2].ProfileID)
}
