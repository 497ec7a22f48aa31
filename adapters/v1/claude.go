package v1

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

const (
	ClaudeName          = "claude"
	DefaultClaudeURL    = "https://api.anthropic.com"
	DefaultClaudeModel  = "claude-3-5-sonnet-20241022"
	claudeAPIVersion    = "2023-06-01"
	claudeMaxTokens     = 4000
	claudeContextWindow = 200000
)

var claudeModels = []domain.ModelInfo{
	{Name: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", ContextWindow: claudeContextWindow},
	{Name: "claude-3-opus-20250219", DisplayName: "Claude 3 Opus", ContextWindow: claudeContextWindow},
	{Name: "claude-3-haiku-20250307", DisplayName: "Claude 3 Haiku", ContextWindow: claudeContextWindow},
}

// ClaudeProvider calls the Anthropic messages API
type ClaudeProvider struct {
	settings providerSettings
	apiKey   string
}

var _ ports.LLMProvider = (*ClaudeProvider)(nil)

func NewClaudeProvider(apiKey string, opts ...Option) (*ClaudeProvider, error) {
	if apiKey == "" {
		return nil, domain.NewConfigError(ClaudeName, errors.New("API key is required"))
	}
	return &ClaudeProvider{
		settings: newSettings(DefaultClaudeURL, DefaultClaudeModel, opts),
		apiKey:   apiKey,
	}, nil
}

func (c *ClaudeProvider) Name() string {
	return ClaudeName
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r claudeResponse) text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func (c *ClaudeProvider) send(ctx context.Context, generation bool, payload claudeRequest) (claudeResponse, error) {
	timeout := c.settings.timeout
	if generation {
		timeout *= 2
	}
	call := apiCall{provider: ClaudeName, client: c.settings.client, timeout: timeout, generation: generation}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": claudeAPIVersion,
	}
	var out claudeResponse
	err := call.do(ctx, http.MethodPost, c.settings.baseURL+"/v1/messages", headers, payload, &out)
	return out, err
}

// TestConnection sends a minimal message, the API has no cheaper authenticated probe
func (c *ClaudeProvider) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ClaudeProvider.TestConnection")
	defer span.End()
	status := domain.ConnectionStatus{Provider: ClaudeName}
	_, err := c.send(ctx, false, claudeRequest{
		Model:     c.settings.model,
		MaxTokens: 100,
		Messages:  []claudeMessage{{Role: "user", Content: "Test connection"}},
	})
	if err != nil {
		status.Error = err.Error()
		return status, err
	}
	status.Connected = true
	status.Models = len(claudeModels)
	return status, nil
}

func (c *ClaudeProvider) ListModels(_ context.Context) ([]domain.ModelInfo, error) {
	models := make([]domain.ModelInfo, len(claudeModels))
	copy(models, claudeModels)
	return models, nil
}

func (c *ClaudeProvider) GenerateJSON(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ClaudeProvider.GenerateJSON")
	defer span.End()
	model := req.Model
	if model == "" {
		model = c.settings.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeMaxTokens
	}
	temperature := req.Temperature
	out, err := c.send(ctx, true, claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Temperature: &temperature,
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return domain.GenerateResponse{}, err
	}
	text := out.text()
	if text == "" {
		return domain.GenerateResponse{}, domain.NewGenerationError(ClaudeName, errors.New("no text response"))
	}
	data, err := ExtractJSONObject(text)
	if err != nil {
		return domain.GenerateResponse{}, domain.NewGenerationError(ClaudeName, err)
	}
	if out.Model != "" {
		model = out.Model
	}
	return domain.GenerateResponse{
		Data: data,
		Metadata: map[string]any{
			"provider":      ClaudeName,
			"model":         model,
			"stop_reason":   out.StopReason,
			"input_tokens":  out.Usage.InputTokens,
			"output_tokens": out.Usage.OutputTokens,
		},
	}, nil
}

func (c *ClaudeProvider) CheckModelAvailable(_ context.Context, model string) bool {
	return checkModel(claudeModels, model)
}
