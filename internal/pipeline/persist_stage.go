package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/repository"
)

// PersistStage writes the FileAsset row from the results accumulated on
// the job. Storage errors are transient.
type PersistStage struct {
	Assets repository.AssetRepository
	Logger *slog.Logger
}

func NewPersistStage(assets repository.AssetRepository, logger *slog.Logger) *PersistStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistStage{Assets: assets, Logger: logger}
}

func (s *PersistStage) Name() constants.Stage {
	return constants.StagePersisting
}

func (s *PersistStage) Execute(ctx context.Context, jc *JobContext) (*StageOutput, error) {
	job := jc.Job

	var width, height int
	if len(job.Metadata) > 0 {
		var meta struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		}
		if err := json.Unmarshal(job.Metadata, &meta); err == nil {
			width, height = meta.Width, meta.Height
		}
	}

	asset := &entity.FileAsset{
		ID:          uuid.New(),
		FileID:      job.FileID,
		JobID:       job.ID,
		TenantID:    job.TenantID,
		SourceKey:   job.SourceKey,
		OutputKey:   job.OutputKey,
		ContentType: job.ContentType,
		Width:       width,
		Height:      height,
		Metadata:    job.Metadata,
		OCRText:     job.OCRText,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Assets.Insert(ctx, asset); err != nil {
		return nil, NewRetryable("PERSIST_INSERT", "insert file asset", err)
	}

	s.Logger.Info("persist.ok", "job_id", job.ID, "asset_id", asset.ID)
	return &StageOutput{}, nil
}
