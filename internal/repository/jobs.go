package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

// JobRepository persists ProcessingJob rows. UpdateCAS is the only mutation
// path for existing rows: a conditional update on the expected version.
type JobRepository interface {
	Create(ctx context.Context, job *entity.ProcessingJob) error
	Get(ctx context.Context, jobID uuid.UUID) (*entity.ProcessingJob, error)

	// UpdateCAS writes the job's mutable fields with version+1, conditional
	// on the row still holding job.Version. On success job.Version is
	// incremented in place; a lost race returns common.ErrVersionConflict.
	UpdateCAS(ctx context.Context, job *entity.ProcessingJob) error

	// RequestCancel sets the cancellation flag; the orchestrator honors it
	// at the next transition boundary.
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
}

type jobRepo struct {
	store *Store
	log   *slog.Logger
}

func NewJobRepository(store *Store, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{store: store, log: log}
}

var jobColumns = []string{
	"id", "file_id", "tenant_id", "actor_id", "stage", "version", "attempts",
	"source_key", "output_key", "content_type", "size_bytes",
	"metadata", "ocr_text",
	"error_message", "cancel_requested", "created_at", "updated_at",
}

func (r *jobRepo) Create(ctx context.Context, job *entity.ProcessingJob) error {
	attempts, err := json.Marshal(job.Attempts)
	if err != nil {
		return common.WrapError(err, "marshal attempts")
	}
	_, err = r.store.stbl.
		Insert("processing_jobs").
		Columns(jobColumns...).
		Values(
			job.ID.String(), job.FileID.String(), job.TenantID, job.ActorID,
			string(job.Stage), job.Version, string(attempts),
			job.SourceKey, job.OutputKey, job.ContentType, job.SizeBytes,
			metadataOrEmpty(job.Metadata), job.OCRText,
			job.ErrorMessage, job.CancelRequested, job.CreatedAt, job.UpdatedAt,
		).
		ExecContext(ctx)
	if err != nil {
		r.log.Error("jobs.create.failed", "job_id", job.ID, "err", err)
		return common.WrapError(err, "insert job")
	}
	r.log.Info("jobs.create.ok", "job_id", job.ID, "file_id", job.FileID, "stage", job.Stage)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, jobID uuid.UUID) (*entity.ProcessingJob, error) {
	row := r.store.stbl.
		Select(jobColumns...).
		From("processing_jobs").
		Where(sq.Eq{"id": jobID.String()}).
		QueryRowContext(ctx)
	return scanJob(row)
}

func (r *jobRepo) UpdateCAS(ctx context.Context, job *entity.ProcessingJob) error {
	attempts, err := json.Marshal(job.Attempts)
	if err != nil {
		return common.WrapError(err, "marshal attempts")
	}
	expected := job.Version
	now := time.Now().UTC()

	res, err := r.store.stbl.
		Update("processing_jobs").
		Set("stage", string(job.Stage)).
		Set("version", expected+1).
		Set("attempts", string(attempts)).
		Set("output_key", job.OutputKey).
		Set("metadata", metadataOrEmpty(job.Metadata)).
		Set("ocr_text", job.OCRText).
		Set("error_message", job.ErrorMessage).
		Set("updated_at", now).
		Where(sq.Eq{"id": job.ID.String(), "version": expected}).
		ExecContext(ctx)
	if err != nil {
		r.log.Error("jobs.update.failed", "job_id", job.ID, "err", err)
		return common.WrapError(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.WrapError(err, "rows affected")
	}
	if n == 0 {
		// Either the row moved on (version mismatch) or it never existed.
		if _, getErr := r.Get(ctx, job.ID); errors.Is(getErr, common.ErrNotFound) {
			return getErr
		}
		r.log.Debug("jobs.update.conflict", "job_id", job.ID, "expected_version", expected)
		return common.ErrVersionConflict
	}
	job.Version = expected + 1
	job.UpdatedAt = now
	return nil
}

func (r *jobRepo) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.store.stbl.
		Update("processing_jobs").
		Set("cancel_requested", true).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": jobID.String()}).
		ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "request cancel")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	r.log.Info("jobs.cancel.requested", "job_id", jobID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.ProcessingJob, error) {
	var (
		job             entity.ProcessingJob
		id, fileID      string
		stage, attempts string
		metadata        string
	)
	err := row.Scan(
		&id, &fileID, &job.TenantID, &job.ActorID, &stage, &job.Version, &attempts,
		&job.SourceKey, &job.OutputKey, &job.ContentType, &job.SizeBytes,
		&metadata, &job.OCRText,
		&job.ErrorMessage, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "scan job")
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, common.WrapError(err, "parse job id")
	}
	if job.FileID, err = uuid.Parse(fileID); err != nil {
		return nil, common.WrapError(err, "parse file id")
	}
	job.Stage = constants.Stage(stage)
	if err := json.Unmarshal([]byte(attempts), &job.Attempts); err != nil {
		return nil, common.WrapError(err, "unmarshal attempts")
	}
	if metadata != "" && metadata != "{}" {
		job.Metadata = json.RawMessage(metadata)
	}
	return &job, nil
}

func metadataOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
