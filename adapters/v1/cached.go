package v1

import (
	"context"
	"time"

	"github.com/akyoto/cache"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
)

const modelsKey = "models"

// CachedProvider keeps ListModels results for a while, the other calls go straight through
type CachedProvider struct {
	ports.LLMProvider
	models *cache.Cache
	ttl    time.Duration
}

var _ ports.LLMProvider = (*CachedProvider)(nil)

func NewCachedProvider(p ports.LLMProvider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		LLMProvider: p,
		models:      cache.New(ttl),
		ttl:         ttl,
	}
}

func (c *CachedProvider) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if v, found := c.models.Get(modelsKey); found {
		return cloneModels(v.([]domain.ModelInfo)), nil
	}
	models, err := c.LLMProvider.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	c.models.Set(modelsKey, cloneModels(models), c.ttl)
	return models, nil
}

func cloneModels(models []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(models))
	copy(out, models)
	return out
}

func (c *CachedProvider) CheckModelAvailable(ctx context.Context, model string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	return checkModel(models, model)
}

// Invalidate drops the cached model list
func (c *CachedProvider) Invalidate() {
	c.models.Delete(modelsKey)
}
