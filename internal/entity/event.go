package entity

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
)

// JobEvent is the outbox payload driving one transition attempt. Version is
// the job version the event was emitted against; the orchestrator drops
// events whose version no longer matches the row.
type JobEvent struct {
	JobID     uuid.UUID       `json:"job_id"`
	FileID    uuid.UUID       `json:"file_id"`
	FromStage constants.Stage `json:"from_stage"`
	Version   int64           `json:"version"`
}

// Marshal encodes the event for the outbox payload column.
func (e *JobEvent) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}
