package llmgateway

import (
	"context"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"memoria/internal/blobmodel"
	"memoria/internal/config"
	"memoria/internal/memerr"
	"memoria/internal/obs"
)

// openaiProvider implements Provider over the OpenAI Chat Completions API,
// adapted from the teacher's internal/llm/openai Client: same SDK client
// construction (option.WithAPIKey/WithBaseURL/WithHTTPClient), trimmed to
// this engine's single Complete call (no streaming, no tool calls, no image
// generation — none of which the extraction/retrieval pipelines use).
type openaiProvider struct {
	sdk   sdk.Client
	model string
}

func newOpenAIProvider(cfg config.Config, httpClient *http.Client) *openaiProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey), option.WithHTTPClient(httpClient)}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
	}
	return &openaiProvider{sdk: sdk.NewClient(opts...), model: cfg.BestLLMModel}
}

func (p *openaiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := firstNonEmpty(req.Model, p.model)
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(model)}
	if req.System != "" {
		params.Messages = append(params.Messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case blobmodel.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, sdk.UserMessage(m.Content))
		}
	}
	params.Messages = append(params.Messages, sdk.UserMessage(req.Prompt))
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	log := obs.LoggerWithTrace(ctx)
	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("llmgateway: openai completion failed")
		return CompletionResult{}, memerr.UnavailableWrap(err, "openai completion")
	}
	if len(comp.Choices) == 0 {
		return CompletionResult{}, memerr.Unavailable("openai completion: empty choices")
	}
	text := comp.Choices[0].Message.Content
	res := CompletionResult{Text: text}
	if req.JSONMode {
		res.JSON = []byte(extractJSONBlock(text))
	}
	return res, nil
}

// openaiEmbedder implements Embedder over the OpenAI Embeddings API.
type openaiEmbedder struct {
	sdk   sdk.Client
	model string
	dim   int
}

func newOpenAIEmbedder(cfg config.Config, httpClient *http.Client) *openaiEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(cfg.EmbeddingAPIKey), option.WithHTTPClient(httpClient)}
	base := firstNonEmpty(cfg.EmbeddingBaseURL, cfg.LLMBaseURL)
	if base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &openaiEmbedder{sdk: sdk.NewClient(opts...), model: cfg.EmbeddingModel, dim: cfg.EmbeddingDim}
}

func (e *openaiEmbedder) Dimension() int { return e.dim }

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string, phase EmbedPhase, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	m := firstNonEmpty(model, e.model)
	inputs := make(sdk.EmbeddingNewParamsInputArrayOfStrings, len(texts))
	copy(inputs, texts)
	resp, err := e.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(m),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		return nil, memerr.UnavailableWrap(err, "embed (%s)", phase)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
