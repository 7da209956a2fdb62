package llmgateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoria/internal/memerr"
)

type fakeProvider struct {
	calls     int
	responses []CompletionResult
	err       error
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if f.err != nil {
		return CompletionResult{}, f.err
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

type payload struct {
	Topic string `json:"topic"`
}

func TestCompleteJSON_SucceedsFirstTry(t *testing.T) {
	fp := &fakeProvider{responses: []CompletionResult{{Text: `{"topic":"hobbies"}`}}}
	g := &Gateway{Provider: fp, tokens: NewTokenCache(TokenCacheConfig{})}
	var out payload
	require.NoError(t, g.CompleteJSON(context.Background(), CompletionRequest{Prompt: "x"}, &out))
	assert.Equal(t, "hobbies", out.Topic)
	assert.Equal(t, 1, fp.calls)
}

func TestCompleteJSON_RetriesOnceThenSucceeds(t *testing.T) {
	fp := &fakeProvider{responses: []CompletionResult{
		{Text: "not json"},
		{Text: `{"topic":"career"}`},
	}}
	g := &Gateway{Provider: fp, tokens: NewTokenCache(TokenCacheConfig{})}
	var out payload
	require.NoError(t, g.CompleteJSON(context.Background(), CompletionRequest{Prompt: "x"}, &out))
	assert.Equal(t, "career", out.Topic)
	assert.Equal(t, 2, fp.calls)
}

func TestCompleteJSON_FailsBothTimes(t *testing.T) {
	fp := &fakeProvider{responses: []CompletionResult{
		{Text: "not json"},
		{Text: "still not json"},
	}}
	g := &Gateway{Provider: fp, tokens: NewTokenCache(TokenCacheConfig{})}
	var out payload
	err := g.CompleteJSON(context.Background(), CompletionRequest{Prompt: "x"}, &out)
	assert.True(t, memerr.IsKind(err, memerr.Unprocessable))
	assert.Equal(t, 2, fp.calls)
}

func TestExtractJSONBlock_StripsFences(t *testing.T) {
	got := extractJSONBlock("```json\n{\"a\":1}\n```")
	assert.Equal(t, `{"a":1}`, got)
}
