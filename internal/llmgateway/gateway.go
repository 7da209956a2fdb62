package llmgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"memoria/internal/config"
	"memoria/internal/memerr"
)

// Gateway is the façade C5 hands to the extraction pipeline and retrieval
// assembler: a Provider plus an Embedder plus the "one reformat-retry, then
// Unprocessable" JSON-mode discipline from §4.5/§9 ("do not scrape for
// partial JSON").
type Gateway struct {
	Provider Provider
	Embedder Embedder
	tokens   *TokenCache
}

// New builds a Gateway from Config, wiring the provider and embedder
// registries (§4.5, §11).
func New(cfg config.Config, httpClient *http.Client) (*Gateway, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	provider, err := Build(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	var embedder Embedder
	if cfg.EnableEventEmbedding {
		embedder, err = BuildEmbedder(cfg, httpClient)
		if err != nil {
			return nil, err
		}
	}
	return &Gateway{Provider: provider, Embedder: embedder, tokens: NewTokenCache(TokenCacheConfig{})}, nil
}

// Complete delegates to the provider's plain-text surface.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	return g.Provider.Complete(ctx, req)
}

const reformatInstruction = "\n\nYour previous response was not valid JSON. Reply again with ONLY a single valid JSON object, no prose, no markdown fences."

// CompleteJSON runs req in JSON mode and unmarshals the result into out. On
// a parse failure it retries exactly once with a corrective instruction
// appended to the prompt; a second failure is Unprocessable, never a raw
// unmarshal error.
func (g *Gateway) CompleteJSON(ctx context.Context, req CompletionRequest, out any) error {
	req.JSONMode = true
	res, err := g.Provider.Complete(ctx, req)
	if err == nil {
		if uerr := json.Unmarshal(pickJSON(res), out); uerr == nil {
			return nil
		}
	} else if !isRetryable(err) {
		return err
	}

	retryReq := req
	retryReq.Prompt = req.Prompt + reformatInstruction
	res, err = g.Provider.Complete(ctx, retryReq)
	if err != nil {
		return err
	}
	if uerr := json.Unmarshal(pickJSON(res), out); uerr != nil {
		return memerr.Unproc("llm did not return valid json after reformat retry: %v", uerr)
	}
	return nil
}

func pickJSON(res CompletionResult) []byte {
	if len(res.JSON) > 0 {
		return res.JSON
	}
	return []byte(extractJSONBlock(res.Text))
}

func isRetryable(err error) bool {
	return memerr.IsKind(err, memerr.Unprocessable)
}

// extractJSONBlock strips markdown code fences some providers still wrap
// JSON-mode output in, without attempting any regex scraping of partial
// JSON (per §9, formal JSON mode is the contract; this only undoes fencing).
func extractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// CountTokensCached returns s's token count via the shared cache, avoiding
// re-tokenizing hot strings like system prompts on every gateway call.
func (g *Gateway) CountTokensCached(s string) int {
	return g.tokens.CountTokens(s)
}
