package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/storage"
)

// ConfigSource returns the stored configuration for a service, or
// storage.ErrConfigNotFound.
type ConfigSource interface {
	GetServiceConfiguration(ctx context.Context, service string) (*config.ProviderConfig, error)
}

// CachedConfigSource keeps recently read configurations in memory so a
// login or token request does not always hit the store.
type CachedConfigSource struct {
	source ConfigSource
	cache  *cache.Cache
}

// NewCachedConfigSource caches lookups from source for ttl
func NewCachedConfigSource(source ConfigSource, ttl time.Duration) *CachedConfigSource {
	return &CachedConfigSource{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (c *CachedConfigSource) GetServiceConfiguration(ctx context.Context, service string) (*config.ProviderConfig, error) {
	if cached, ok := c.cache.Get(service); ok {
		cfg := *cached.(*config.ProviderConfig)
		cfg.RequestPermissions = slices.Clone(cfg.RequestPermissions)
		return &cfg, nil
	}

	cfg, err := c.source.GetServiceConfiguration(ctx, service)
	if err != nil {
		return nil, err
	}
	stored := *cfg
	stored.RequestPermissions = slices.Clone(cfg.RequestPermissions)
	c.cache.SetDefault(service, &stored)
	return cfg, nil
}

// Invalidate drops the cached entry for service
func (c *CachedConfigSource) Invalidate(service string) {
	c.cache.Delete(service)
}

// loadProviderConfig reads and validates the configuration for scope. A
// missing record is reported as a ConfigError.
func loadProviderConfig(ctx context.Context, src ConfigSource, service string, scope config.Scope) (*config.ProviderConfig, error) {
	cfg, err := src.GetServiceConfiguration(ctx, service)
	if errors.Is(err, storage.ErrConfigNotFound) {
		return nil, &ConfigError{Service: service}
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s configuration: %w", service, err)
	}
	if err := cfg.Validate(scope); err != nil {
		return nil, err
	}
	return cfg, nil
}
