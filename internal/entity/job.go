package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
)

// ProcessingJob represents one file's trip through the pipeline. Rows are
// never deleted; terminal jobs remain as the audit trail.
type ProcessingJob struct {
	ID       uuid.UUID `json:"id"`
	FileID   uuid.UUID `json:"file_id"`
	TenantID string    `json:"tenant_id"`
	ActorID  string    `json:"actor_id"`

	Stage   constants.Stage `json:"stage"`
	Version int64           `json:"version"`

	// Attempts counts retryable failures per stage.
	Attempts map[constants.Stage]int `json:"attempts"`

	SourceKey   string `json:"source_key"`
	OutputKey   string `json:"output_key,omitempty"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`

	// Stage outputs accumulate on the row so later stages, possibly on
	// other workers, can read them.
	Metadata json.RawMessage `json:"metadata,omitempty"`
	OCRText  string          `json:"ocr_text,omitempty"`

	ErrorMessage    string `json:"error_message,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProcessingJob creates a job in RECEIVED at version 1.
func NewProcessingJob(fileID uuid.UUID, tenantID, actorID, sourceKey, contentType string, sizeBytes int64) *ProcessingJob {
	now := time.Now().UTC()
	return &ProcessingJob{
		ID:          uuid.New(),
		FileID:      fileID,
		TenantID:    tenantID,
		ActorID:     actorID,
		Stage:       constants.StageReceived,
		Version:     1,
		Attempts:    make(map[constants.Stage]int),
		SourceKey:   sourceKey,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the job reached COMPLETED, FAILED, or DENIED.
func (j *ProcessingJob) IsTerminal() bool {
	return j.Stage.IsTerminal()
}

// AttemptCount returns the retryable-failure count recorded for a stage.
func (j *ProcessingJob) AttemptCount(stage constants.Stage) int {
	if j.Attempts == nil {
		return 0
	}
	return j.Attempts[stage]
}

// RecordAttempt increments the retryable-failure count for a stage.
func (j *ProcessingJob) RecordAttempt(stage constants.Stage) {
	if j.Attempts == nil {
		j.Attempts = make(map[constants.Stage]int)
	}
	j.Attempts[stage]++
}
