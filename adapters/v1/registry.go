package v1

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
)

// Settings carries what the provider constructors need, each one picks its own fields
type Settings struct {
	OllamaBaseURL string
	ClaudeAPIKey  string
	GeminiAPIKey  string
	Timeout       time.Duration
	HTTPClient    *http.Client
	// ModelsCacheTTL caches ListModels results, zero disables the cache
	ModelsCacheTTL time.Duration
}

func (s Settings) options() []Option {
	var opts []Option
	if s.Timeout > 0 {
		opts = append(opts, WithTimeout(s.Timeout))
	}
	if s.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(s.HTTPClient))
	}
	return opts
}

type Constructor func(Settings) (ports.LLMProvider, error)

// Registry maps provider names to their constructors
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry with the built-in providers
func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register(OllamaName, func(s Settings) (ports.LLMProvider, error) {
		return NewOllamaProvider(append(s.options(), WithBaseURL(s.OllamaBaseURL))...)
	})
	r.Register(ClaudeName, func(s Settings) (ports.LLMProvider, error) {
		return NewClaudeProvider(s.ClaudeAPIKey, s.options()...)
	})
	r.Register(GeminiName, func(s Settings) (ports.LLMProvider, error) {
		return NewGeminiProvider(s.GeminiAPIKey, s.options()...)
	})
	return r
}

func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(name)] = c
}

func (r *Registry) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider, unknown names and invalid settings are config errors
func (r *Registry) New(name string, s Settings) (ports.LLMProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewConfigError(name, fmt.Errorf("%w, available: %s", domain.ErrUnknownProvider, strings.Join(r.AvailableProviders(), ", ")))
	}
	p, err := c(s)
	if err != nil {
		return nil, err
	}
	if s.ModelsCacheTTL > 0 {
		return NewCachedProvider(p, s.ModelsCacheTTL), nil
	}
	return p, nil
}

// NewProviderChain builds the primary provider and the fallbacks in order.
// A misconfigured primary is fatal, misconfigured or repeated fallbacks are skipped.
func (r *Registry) NewProviderChain(primary string, fallbacks []string, s Settings) (ports.LLMProvider, []ports.LLMProvider, error) {
	p, err := r.New(primary, s)
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider: %w", err)
	}
	seen := mapset.NewThreadUnsafeSet[string](p.Name())
	chain := make([]ports.LLMProvider, 0, len(fallbacks))
	for _, name := range fallbacks {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen.Contains(name) {
			continue
		}
		fb, err := r.New(name, s)
		if err != nil {
			logger.L().Warning("skipping fallback provider", helpers.String("provider", name), helpers.Error(err))
			continue
		}
		seen.Add(name)
		chain = append(chain, fb)
	}
	return p, chain, nil
}
