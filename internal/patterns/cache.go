package patterns

import (
	"context"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// CacheStore keeps the latest mined patterns in the shared cache.
type CacheStore struct {
	cache cache.Provider
	ttl   time.Duration
}

// NewCacheStore wraps a cache provider. A nil provider falls back to the no-op cache.
func NewCacheStore(provider cache.Provider, ttl time.Duration) *CacheStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &CacheStore{cache: provider, ttl: ttl}
}

func cacheKey(service string) string {
	if service == "" {
		return "patterns:all"
	}
	return "patterns:" + strings.ToLower(service)
}

// StorePatterns implements Store.
func (s *CacheStore) StorePatterns(ctx context.Context, service string, patterns []models.FailurePattern) error {
	return cache.SetJSON(ctx, s.cache, cacheKey(service), patterns, s.ttl)
}

// Load returns cached patterns. ok is false on a miss.
func (s *CacheStore) Load(ctx context.Context, service string) ([]models.FailurePattern, bool, error) {
	return cache.GetJSON[[]models.FailurePattern](ctx, s.cache, cacheKey(service))
}
