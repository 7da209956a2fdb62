package llmgateway

import (
	"context"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"memoria/internal/blobmodel"
	"memoria/internal/config"
	"memoria/internal/memerr"
	"memoria/internal/obs"
)

// googleProvider implements Provider's google variant over Gemini, adapted
// from the teacher's internal/llm/google Client: same genai.Client
// construction, trimmed to plain-text generation (no tool declarations, no
// streaming, no thought-signature handling).
type googleProvider struct {
	client *genai.Client
	model  string
}

func newGoogleProvider(cfg config.Config, httpClient *http.Client) (*googleProvider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := cfg.BestLLMModel
	if model == "" {
		model = "gemini-1.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.LLMBaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.LLMAPIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, memerr.ConfigWrap(err, "init google client")
	}
	return &googleProvider{client: client, model: model}, nil
}

func (p *googleProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	model := firstNonEmpty(req.Model, p.model)
	var contents []*genai.Content
	for _, m := range req.History {
		role := genai.RoleUser
		if m.Role == blobmodel.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	log := obs.LoggerWithTrace(ctx)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("llmgateway: google completion failed")
		return CompletionResult{}, memerr.UnavailableWrap(err, "google completion")
	}
	if len(resp.Candidates) == 0 {
		return CompletionResult{}, memerr.Unavailable("google completion: empty candidates")
	}
	text := resp.Text()
	res := CompletionResult{Text: text}
	if req.JSONMode {
		res.JSON = []byte(extractJSONBlock(text))
	}
	return res, nil
}
