package repository

import (
	"context"
	"log/slog"

	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

// AssetRepository persists the output of completed pipeline runs.
type AssetRepository interface {
	Insert(ctx context.Context, asset *entity.FileAsset) error
}

type assetRepo struct {
	store *Store
	log   *slog.Logger
}

func NewAssetRepository(store *Store, log *slog.Logger) AssetRepository {
	if log == nil {
		log = slog.Default()
	}
	return &assetRepo{store: store, log: log}
}

func (r *assetRepo) Insert(ctx context.Context, asset *entity.FileAsset) error {
	metadata := string(asset.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := r.store.stbl.
		Insert("file_assets").
		Columns(
			"id", "file_id", "job_id", "tenant_id", "source_key", "output_key",
			"content_type", "width", "height", "metadata", "ocr_text", "created_at",
		).
		Values(
			asset.ID.String(), asset.FileID.String(), asset.JobID.String(), asset.TenantID,
			asset.SourceKey, asset.OutputKey, asset.ContentType,
			asset.Width, asset.Height, metadata, asset.OCRText, asset.CreatedAt,
		).
		ExecContext(ctx)
	if err != nil {
		r.log.Error("assets.insert.failed", "file_id", asset.FileID, "err", err)
		return common.WrapError(err, "insert asset")
	}
	r.log.Info("assets.insert.ok", "file_id", asset.FileID, "job_id", asset.JobID)
	return nil
}
