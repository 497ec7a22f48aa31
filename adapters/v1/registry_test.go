package v1

import (
	"context"
	"testing"
	"time"

	"github.com/kubescape/vulndash/adapters"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AvailableProviders(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"claude", "gemini", "ollama"}, r.AvailableProviders())
	r.Register("Mock", func(Settings) (ports.LLMProvider, error) {
		return adapters.NewMockProvider("mock", nil), nil
	})
	assert.Equal(t, []string{"claude", "gemini", "mock", "ollama"}, r.AvailableProviders())
}

func TestRegistry_New(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("openai", Settings{})
	assert.ErrorIs(t, err, domain.ErrProviderConfig)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = r.New("claude", Settings{})
	assert.ErrorIs(t, err, domain.ErrProviderConfig)

	p, err := r.New(" Ollama ", Settings{OllamaBaseURL: "http://ollama:11434", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	p, err = r.New("gemini", Settings{GeminiAPIKey: "k", ModelsCacheTTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &CachedProvider{}, p)
	assert.Equal(t, "gemini", p.Name())
}

func TestRegistry_NewProviderChain(t *testing.T) {
	r := NewRegistry()
	s := Settings{OllamaBaseURL: DefaultOllamaURL, GeminiAPIKey: "k"}
	tests := []struct {
		name      string
		primary   string
		fallbacks []string
		want      []string
		wantErr   bool
	}{
		{
			name:    "primary only",
			primary: "ollama",
		},
		{
			name:      "misconfigured and repeated fallbacks are skipped",
			primary:   "ollama",
			fallbacks: []string{"claude", "gemini", "ollama", "gemini", ""},
			want:      []string{"gemini"},
		},
		{
			name:    "misconfigured primary",
			primary: "claude",
			wantErr: true,
		},
		{
			name:    "unknown primary",
			primary: "gpt",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, fallbacks, err := r.NewProviderChain(tt.primary, tt.fallbacks, s)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrProviderConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.primary, primary.Name())
			var names []string
			for _, p := range fallbacks {
				names = append(names, p.Name())
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

type countingLister struct {
	*adapters.MockProvider
	lists int
}

func (c *countingLister) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	c.lists++
	return c.MockProvider.ListModels(ctx)
}

func TestCachedProvider(t *testing.T) {
	inner := &countingLister{MockProvider: adapters.NewMockProvider("mock", nil)}
	p := NewCachedProvider(inner, time.Minute)

	for i := 0; i < 3; i++ {
		models, err := p.ListModels(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, models)
	}
	assert.Equal(t, 1, inner.lists)
	assert.True(t, p.CheckModelAvailable(context.Background(), "mock-model"))
	assert.Equal(t, 1, inner.lists)

	p.Invalidate()
	_, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inner.lists)
	assert.Equal(t, "mock", p.Name())
}

func TestCachedProvider_ReturnsCopies(t *testing.T) {
	p := NewCachedProvider(&countingLister{MockProvider: adapters.NewMockProvider("mock", nil)}, time.Minute)

	first, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first)
	want := first[0].Name
	first[0].Name = "tampered"

	second, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, second[0].Name)
	second[0].Name = "tampered again"

	third, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, third[0].Name)
	assert.True(t, p.CheckModelAvailable(context.Background(), want))
}
