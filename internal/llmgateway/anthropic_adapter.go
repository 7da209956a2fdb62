package llmgateway

import (
	"context"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"memoria/internal/blobmodel"
	"memoria/internal/config"
	"memoria/internal/memerr"
	"memoria/internal/obs"
)

const defaultAnthropicMaxTokens int64 = 1024

// anthropicProvider implements Provider's cached_variant: Anthropic's Claude
// models with prompt caching on the system block, adapted from the
// teacher's internal/llm/anthropic Client — same SDK client construction and
// cache-control placement, trimmed to this engine's plain-text Complete
// (no tools, no extended thinking, no streaming).
type anthropicProvider struct {
	sdk   anthropic.Client
	model string
}

func newAnthropicProvider(cfg config.Config, httpClient *http.Client) *anthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.LLMAPIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.LLMBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := cfg.BestLLMModel
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &anthropicProvider{sdk: anthropic.NewClient(opts...), model: model}
}

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := firstNonEmpty(req.Model, p.model)
	cacheControl := anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTLTTL5m}

	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System, CacheControl: cacheControl})
	}

	var msgs []anthropic.MessageParam
	for _, m := range req.History {
		if m.Role == blobmodel.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	maxTokens := defaultAnthropicMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
	}

	log := obs.LoggerWithTrace(ctx)
	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("llmgateway: anthropic completion failed")
		return CompletionResult{}, memerr.UnavailableWrap(err, "anthropic completion")
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(anthropic.TextBlock); ok {
				text.WriteString(t.Text)
			}
		}
	}
	res := CompletionResult{Text: text.String()}
	if req.JSONMode {
		res.JSON = []byte(extractJSONBlock(res.Text))
	}
	return res, nil
}
