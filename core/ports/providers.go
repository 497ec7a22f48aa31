package ports

import (
	"context"

	"github.com/kubescape/vulndash/core/domain"
)

// LLMProvider is the port implemented by adapters to generate JSON completions from a language model backend
type LLMProvider interface {
	CheckModelAvailable(ctx context.Context, model string) bool
	GenerateJSON(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error)
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
	Name() string
	TestConnection(ctx context.Context) (domain.ConnectionStatus, error)
}

// Extractor is the port implemented by the extraction engine, it never fails
type Extractor interface {
	Extract(ctx context.Context, rawText string) domain.ExtractionResult
	Providers() []LLMProvider
}
