package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

// GrantRepository is the backing store for permission grants. It is the
// loader behind the grant cache; Put callers must invalidate that cache.
type GrantRepository interface {
	Get(ctx context.Context, tenantID, actorID string) (*entity.GrantSet, error)
	Put(ctx context.Context, grant *entity.GrantSet) error
}

// SettingsRepository is the backing store for tenant settings.
type SettingsRepository interface {
	Get(ctx context.Context, tenantID string) (*entity.TenantSettings, error)
	Put(ctx context.Context, settings *entity.TenantSettings) error
}

type grantRepo struct {
	store *Store
	log   *slog.Logger
}

func NewGrantRepository(store *Store, log *slog.Logger) GrantRepository {
	if log == nil {
		log = slog.Default()
	}
	return &grantRepo{store: store, log: log}
}

func (r *grantRepo) Get(ctx context.Context, tenantID, actorID string) (*entity.GrantSet, error) {
	var raw string
	err := r.store.stbl.
		Select("value").
		From("grants").
		Where(sq.Eq{"tenant_id": tenantID, "actor_id": actorID}).
		QueryRowContext(ctx).
		Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "select grant")
	}
	var grant entity.GrantSet
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, common.WrapError(err, "unmarshal grant")
	}
	return &grant, nil
}

func (r *grantRepo) Put(ctx context.Context, grant *entity.GrantSet) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return common.WrapError(err, "marshal grant")
	}
	return r.store.upsertKV(ctx, "grants",
		map[string]any{"tenant_id": grant.TenantID, "actor_id": grant.ActorID},
		string(raw))
}

type settingsRepo struct {
	store *Store
	log   *slog.Logger
}

func NewSettingsRepository(store *Store, log *slog.Logger) SettingsRepository {
	if log == nil {
		log = slog.Default()
	}
	return &settingsRepo{store: store, log: log}
}

func (r *settingsRepo) Get(ctx context.Context, tenantID string) (*entity.TenantSettings, error) {
	var raw string
	err := r.store.stbl.
		Select("value").
		From("tenant_settings").
		Where(sq.Eq{"tenant_id": tenantID}).
		QueryRowContext(ctx).
		Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "select settings")
	}
	var settings entity.TenantSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, common.WrapError(err, "unmarshal settings")
	}
	return &settings, nil
}

func (r *settingsRepo) Put(ctx context.Context, settings *entity.TenantSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return common.WrapError(err, "marshal settings")
	}
	return r.store.upsertKV(ctx, "tenant_settings",
		map[string]any{"tenant_id": settings.TenantID},
		string(raw))
}

// upsertKV updates the row matching keys or inserts it. Works on both
// dialects without native upsert syntax.
func (s *Store) upsertKV(ctx context.Context, table string, keys map[string]any, value string) error {
	now := time.Now().UTC()
	res, err := s.stbl.
		Update(table).
		Set("value", value).
		Set("updated_at", now).
		Where(sq.Eq(keys)).
		ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "upsert update")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	cols := make([]string, 0, len(keys)+2)
	vals := make([]any, 0, len(keys)+2)
	for k, v := range keys {
		cols = append(cols, k)
		vals = append(vals, v)
	}
	cols = append(cols, "value", "updated_at")
	vals = append(vals, value, now)
	_, err = s.stbl.Insert(table).Columns(cols...).Values(vals...).ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "upsert insert")
	}
	return nil
}
