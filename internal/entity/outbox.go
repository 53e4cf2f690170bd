package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ryuqq/fileflow/constants"
)

// OutboxRecord is a durable pending delivery of one JobEvent. The record ID
// is a ULID so claim order follows enqueue time lexically.
type OutboxRecord struct {
	ID      string                 `json:"id"`
	JobID   uuid.UUID              `json:"job_id"`
	Payload json.RawMessage        `json:"payload"`
	Status  constants.OutboxStatus `json:"status"`

	Attempts    int        `json:"attempts"`
	LockToken   string     `json:"lock_token,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	AvailableAt time.Time  `json:"available_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event decodes the record payload.
func (r *OutboxRecord) Event() (*JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
