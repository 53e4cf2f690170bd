package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/pipeline"
)

// JobStarter admits a new job into the pipeline. The orchestrator is the
// production implementation.
type JobStarter interface {
	StartJob(ctx context.Context, job *entity.ProcessingJob) error
}

// Ingestor turns discovered files into processing jobs: copy the bytes into
// the blob store under a fresh key, then seed the job.
type Ingestor struct {
	Blobs    pipeline.BlobStore
	Starter  JobStarter
	TenantID string
	ActorID  string
	Logger   *slog.Logger

	seen map[string]struct{}
}

func NewIngestor(blobs pipeline.BlobStore, starter JobStarter, tenantID, actorID string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		Blobs:    blobs,
		Starter:  starter,
		TenantID: tenantID,
		ActorID:  actorID,
		Logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Run consumes discovered paths until the channel closes or ctx ends.
func (i *Ingestor) Run(ctx context.Context, paths <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-paths:
			if !ok {
				return
			}
			if _, dup := i.seen[p]; dup {
				continue
			}
			if err := i.ingest(ctx, p); err != nil {
				i.Logger.Error("ingest.file.failed", "path", p, "err", err)
				continue
			}
			i.seen[p] = struct{}{}
		}
	}
}

func (i *Ingestor) ingest(ctx context.Context, path string) error {
	ctx = common.WithTenantID(common.WithActorID(ctx, i.ActorID), i.TenantID)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ext := constants.NormalizeExt(filepath.Ext(path))
	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileID := uuid.New()
	sourceKey := fmt.Sprintf("incoming/%s.%s", fileID, ext)
	if err := i.Blobs.Put(ctx, sourceKey, data); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}

	job := entity.NewProcessingJob(fileID, i.TenantID, i.ActorID, sourceKey, contentType, int64(len(data)))
	if err := i.Starter.StartJob(ctx, job); err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	i.Logger.Info("ingest.file.admitted",
		"path", path,
		"job_id", job.ID,
		"file_id", fileID,
		"content_type", contentType,
		"size", len(data),
	)
	return nil
}
