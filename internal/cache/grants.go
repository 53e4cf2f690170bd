package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/repository"
)

// TTLs are fixed per category so every downstream access decision tolerates
// a known staleness bound.
const (
	GrantTTL    = 5 * time.Minute
	SettingsTTL = 10 * time.Minute
)

// GrantCache serves permission grants cache-aside over the grant store.
type GrantCache struct {
	cache *TTLCache[*entity.GrantSet]
	repo  repository.GrantRepository
}

func NewGrantCache(repo repository.GrantRepository, logger *slog.Logger) *GrantCache {
	return &GrantCache{
		cache: New[*entity.GrantSet]("grants", GrantTTL, logger),
		repo:  repo,
	}
}

func grantKey(tenantID, actorID string) string {
	return tenantID + "/" + actorID
}

func (g *GrantCache) Get(ctx context.Context, tenantID, actorID string) (*entity.GrantSet, error) {
	return g.cache.GetOrLoad(ctx, grantKey(tenantID, actorID), func(ctx context.Context) (*entity.GrantSet, error) {
		return g.repo.Get(ctx, tenantID, actorID)
	})
}

// Put writes through to the store and invalidates the cached entry.
func (g *GrantCache) Put(ctx context.Context, grant *entity.GrantSet) error {
	if err := g.repo.Put(ctx, grant); err != nil {
		return err
	}
	g.cache.Invalidate(grantKey(grant.TenantID, grant.ActorID))
	return nil
}

func (g *GrantCache) Invalidate(tenantID, actorID string) {
	g.cache.Invalidate(grantKey(tenantID, actorID))
}

// SettingsCache serves tenant settings cache-aside over the settings store.
type SettingsCache struct {
	cache *TTLCache[*entity.TenantSettings]
	repo  repository.SettingsRepository
}

func NewSettingsCache(repo repository.SettingsRepository, logger *slog.Logger) *SettingsCache {
	return &SettingsCache{
		cache: New[*entity.TenantSettings]("settings", SettingsTTL, logger),
		repo:  repo,
	}
}

func (s *SettingsCache) Get(ctx context.Context, tenantID string) (*entity.TenantSettings, error) {
	return s.cache.GetOrLoad(ctx, tenantID, func(ctx context.Context) (*entity.TenantSettings, error) {
		return s.repo.Get(ctx, tenantID)
	})
}

// Put writes through to the store and invalidates the cached entry.
func (s *SettingsCache) Put(ctx context.Context, settings *entity.TenantSettings) error {
	if err := s.repo.Put(ctx, settings); err != nil {
		return err
	}
	s.cache.Invalidate(settings.TenantID)
	return nil
}

func (s *SettingsCache) Invalidate(tenantID string) {
	s.cache.Invalidate(tenantID)
}
