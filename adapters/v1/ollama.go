package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

const (
	OllamaName           = "ollama"
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultOllamaModel   = "llama3.1"
	minOllamaJSONVersion = "0.1.14"
)

// OllamaProvider talks to a local Ollama server
type OllamaProvider struct {
	settings   providerSettings
	minVersion *semver.Version
}

var _ ports.LLMProvider = (*OllamaProvider)(nil)

func NewOllamaProvider(opts ...Option) (*OllamaProvider, error) {
	s := newSettings(DefaultOllamaURL, DefaultOllamaModel, opts)
	if s.baseURL == "" {
		return nil, domain.NewConfigError(OllamaName, errors.New("base URL is required"))
	}
	return &OllamaProvider{
		settings:   s,
		minVersion: semver.MustParse(minOllamaJSONVersion),
	}, nil
}

func (o *OllamaProvider) Name() string {
	return OllamaName
}

func (o *OllamaProvider) call(generation bool) apiCall {
	timeout := o.settings.timeout
	if generation {
		timeout *= 2
	}
	return apiCall{provider: OllamaName, client: o.settings.client, timeout: timeout, generation: generation}
}

type ollamaVersion struct {
	Version string `json:"version"`
}

type ollamaTags struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	TotalDuration int64  `json:"total_duration"`
	EvalCount     int    `json:"eval_count"`
}

// TestConnection checks the server version supports JSON output and counts the installed models
func (o *OllamaProvider) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	ctx, span := otel.Tracer("").Start(ctx, "OllamaProvider.TestConnection")
	defer span.End()
	status := domain.ConnectionStatus{Provider: OllamaName}

	var version ollamaVersion
	if err := o.call(false).do(ctx, http.MethodGet, o.settings.baseURL+"/api/version", nil, nil, &version); err != nil {
		status.Error = err.Error()
		return status, err
	}
	status.Version = version.Version
	v, err := semver.NewVersion(version.Version)
	if err != nil {
		// dev builds report versions like 0.0.0-dirty, don't block on those
		logger.L().Ctx(ctx).Warning("cannot parse ollama version", helpers.String("version", version.Version), helpers.Error(err))
	} else if v.LessThan(o.minVersion) {
		err := domain.NewConnectionError(OllamaName, fmt.Errorf("server version %s does not support JSON output, need >= %s", v, o.minVersion))
		status.Error = err.Error()
		return status, err
	}

	models, err := o.ListModels(ctx)
	if err != nil {
		status.Error = err.Error()
		return status, err
	}
	status.Connected = true
	status.Models = len(models)
	return status, nil
}

func (o *OllamaProvider) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	ctx, span := otel.Tracer("").Start(ctx, "OllamaProvider.ListModels")
	defer span.End()
	var tags ollamaTags
	if err := o.call(false).do(ctx, http.MethodGet, o.settings.baseURL+"/api/tags", nil, nil, &tags); err != nil {
		return nil, err
	}
	models := make([]domain.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, domain.ModelInfo{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return models, nil
}

func (o *OllamaProvider) GenerateJSON(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	ctx, span := otel.Tracer("").Start(ctx, "OllamaProvider.GenerateJSON")
	defer span.End()
	model := req.Model
	if model == "" {
		model = o.settings.model
	}
	payload := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Format: "json",
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	var out ollamaGenerateResponse
	if err := o.call(true).do(ctx, http.MethodPost, o.settings.baseURL+"/api/generate", nil, payload, &out); err != nil {
		return domain.GenerateResponse{}, err
	}
	data, err := ExtractJSONObject(out.Response)
	if err != nil {
		return domain.GenerateResponse{}, domain.NewGenerationError(OllamaName, err)
	}
	if out.Model != "" {
		model = out.Model
	}
	return domain.GenerateResponse{
		Data: data,
		Metadata: map[string]any{
			"provider":          OllamaName,
			"model":             model,
			"total_duration_ms": float64(out.TotalDuration) / float64(time.Millisecond),
			"eval_count":        out.EvalCount,
		},
	}, nil
}

// CheckModelAvailable reports false when the server cannot be reached
func (o *OllamaProvider) CheckModelAvailable(ctx context.Context, model string) bool {
	models, err := o.ListModels(ctx)
	if err != nil {
		return false
	}
	return checkModel(models, model)
}
