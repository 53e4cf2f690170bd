package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FileAsset is the persisted result of a completed pipeline run, written by
// the persist stage.
type FileAsset struct {
	ID          uuid.UUID       `json:"id"`
	FileID      uuid.UUID       `json:"file_id"`
	JobID       uuid.UUID       `json:"job_id"`
	TenantID    string          `json:"tenant_id"`
	SourceKey   string          `json:"source_key"`
	OutputKey   string          `json:"output_key,omitempty"`
	ContentType string          `json:"content_type"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	OCRText     string          `json:"ocr_text,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
