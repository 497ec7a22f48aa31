package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

const (
	GeminiName          = "gemini"
	DefaultGeminiURL    = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel  = "gemini-2.0-flash"
	geminiContextWindow = 1000000
)

var geminiModels = []domain.ModelInfo{
	{Name: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", ContextWindow: geminiContextWindow},
	{Name: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", ContextWindow: geminiContextWindow},
	{Name: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", ContextWindow: geminiContextWindow},
}

// GeminiProvider calls the Google generative language API
type GeminiProvider struct {
	settings providerSettings
	apiKey   string
}

var _ ports.LLMProvider = (*GeminiProvider)(nil)

func NewGeminiProvider(apiKey string, opts ...Option) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, domain.NewConfigError(GeminiName, errors.New("API key is required"))
	}
	return &GeminiProvider{
		settings: newSettings(DefaultGeminiURL, DefaultGeminiModel, opts),
		apiKey:   apiKey,
	}, nil
}

func (g *GeminiProvider) Name() string {
	return GeminiName
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func (g *GeminiProvider) endpoint(path string) string {
	return g.settings.baseURL + path + "?key=" + url.QueryEscape(g.apiKey)
}

func (g *GeminiProvider) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GeminiProvider.TestConnection")
	defer span.End()
	status := domain.ConnectionStatus{Provider: GeminiName}
	call := apiCall{provider: GeminiName, client: g.settings.client, timeout: g.settings.timeout}
	if err := call.do(ctx, http.MethodGet, g.endpoint("/v1beta/models"), nil, nil, nil); err != nil {
		status.Error = err.Error()
		return status, err
	}
	status.Connected = true
	status.Models = len(geminiModels)
	return status, nil
}

func (g *GeminiProvider) ListModels(_ context.Context) ([]domain.ModelInfo, error) {
	models := make([]domain.ModelInfo, len(geminiModels))
	copy(models, geminiModels)
	return models, nil
}

func (g *GeminiProvider) GenerateJSON(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GeminiProvider.GenerateJSON")
	defer span.End()
	model := req.Model
	if model == "" {
		model = g.settings.model
	}
	text := req.Prompt
	if req.SystemPrompt != "" {
		text = fmt.Sprintf("System: %s\n\nUser: %s", req.SystemPrompt, req.Prompt)
	}
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      req.Temperature,
			MaxOutputTokens:  req.MaxTokens,
			ResponseMimeType: "application/json",
		},
	}
	call := apiCall{provider: GeminiName, client: g.settings.client, timeout: 2 * g.settings.timeout, generation: true}
	var out geminiResponse
	if err := call.do(ctx, http.MethodPost, g.endpoint("/v1beta/models/"+url.PathEscape(model)+":generateContent"), nil, payload, &out); err != nil {
		return domain.GenerateResponse{}, err
	}
	body := out.text()
	if body == "" {
		return domain.GenerateResponse{}, domain.NewGenerationError(GeminiName, errors.New("no text response"))
	}
	data, err := ExtractJSONObject(body)
	if err != nil {
		return domain.GenerateResponse{}, domain.NewGenerationError(GeminiName, err)
	}
	return domain.GenerateResponse{
		Data: data,
		Metadata: map[string]any{
			"provider":     GeminiName,
			"model":        model,
			"usage_tokens": out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (g *GeminiProvider) CheckModelAvailable(_ context.Context, model string) bool {
	return checkModel(geminiModels, model)
}
