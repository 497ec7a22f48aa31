package adapters

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

// MockProvider is a scriptable LLMProvider. Without a scripted response it echoes
// the first CVE identifier found in the prompt.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	data     map[string]any
	err      error
	delay    time.Duration
	calls    int
	requests []domain.GenerateRequest
}

var _ ports.LLMProvider = (*MockProvider)(nil)

func NewMockProvider(name string, data map[string]any) *MockProvider {
	return &MockProvider{name: name, data: data}
}

// NewFailingProvider returns a provider whose every generation fails with err
func NewFailingProvider(name string, err error) *MockProvider {
	return &MockProvider{name: name, err: err}
}

// WithDelay makes GenerateJSON block for d, ignoring the context like a stuck backend would
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockProvider) SetResponse(data map[string]any, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.err = err
}

func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) LastRequest() domain.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return domain.GenerateRequest{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) CheckModelAvailable(_ context.Context, model string) bool {
	return model == "mock-model"
}

func (m *MockProvider) GenerateJSON(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	_, span := otel.Tracer("").Start(ctx, "MockProvider.GenerateJSON")
	defer span.End()
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	data, err, delay := m.data, m.err, m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return domain.GenerateResponse{}, err
	}
	if data == nil {
		data = echo(req.Prompt)
	}
	// copy so callers can't mutate the script
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return domain.GenerateResponse{
		Data:     out,
		Metadata: map[string]any{"mock": true},
	}, nil
}

func (m *MockProvider) ListModels(context.Context) ([]domain.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return []domain.ModelInfo{{Name: "mock-model"}}, nil
}

func (m *MockProvider) TestConnection(context.Context) (domain.ConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.ConnectionStatus{Provider: m.name, Error: m.err.Error()}, m.err
	}
	return domain.ConnectionStatus{Provider: m.name, Connected: true, Version: "mock", Models: 1}, nil
}

func echo(prompt string) map[string]any {
	data := map[string]any{"severity": "UNKNOWN"}
	if cveID, ok := domain.FindCVEID(prompt); ok {
		data["cve_id"] = cveID
	}
	lines := strings.Split(prompt, "\n")
	if len(lines) > 2 {
		data["description"] = strings.TrimSpace(lines[2])
	}
	return data
}
