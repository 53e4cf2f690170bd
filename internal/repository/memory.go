package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

// In-memory repositories backing the orchestrator and dispatcher tests.
// They honor the same CAS and lease semantics as the SQL implementations.

// MemoryJobRepository is a mutex-and-map JobRepository.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.ProcessingJob
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[uuid.UUID]*entity.ProcessingJob)}
}

func (m *MemoryJobRepository) Create(_ context.Context, job *entity.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return common.ErrInvalidInput
	}
	cp := cloneJob(job)
	m.jobs[job.ID] = cp
	return nil
}

func (m *MemoryJobRepository) Get(_ context.Context, jobID uuid.UUID) (*entity.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryJobRepository) UpdateCAS(_ context.Context, job *entity.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return common.ErrNotFound
	}
	if cur.Version != job.Version {
		return common.ErrVersionConflict
	}
	next := cloneJob(job)
	next.Version = job.Version + 1
	next.UpdatedAt = time.Now().UTC()
	next.CancelRequested = cur.CancelRequested
	m.jobs[job.ID] = next
	job.Version = next.Version
	job.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryJobRepository) RequestCancel(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return common.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

func cloneJob(job *entity.ProcessingJob) *entity.ProcessingJob {
	cp := *job
	cp.Attempts = make(map[constants.Stage]int, len(job.Attempts))
	for k, v := range job.Attempts {
		cp.Attempts[k] = v
	}
	return &cp
}

// MemoryOutboxRepository is a mutex-and-map OutboxRepository.
type MemoryOutboxRepository struct {
	mu      sync.Mutex
	records map[string]*entity.OutboxRecord
}

func NewMemoryOutboxRepository() *MemoryOutboxRepository {
	return &MemoryOutboxRepository{records: make(map[string]*entity.OutboxRecord)}
}

func (m *MemoryOutboxRepository) Enqueue(_ context.Context, ev *entity.JobEvent, availableAt time.Time) (*entity.OutboxRecord, error) {
	payload, err := ev.Marshal()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &entity.OutboxRecord{
		ID:          ulid.Make().String(),
		JobID:       ev.JobID,
		Payload:     payload,
		Status:      constants.OutboxPending,
		AvailableAt: availableAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	cp := *rec
	return &cp, nil
}

func (m *MemoryOutboxRepository) Claim(_ context.Context, batchSize int, lease time.Duration) ([]*entity.OutboxRecord, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*entity.OutboxRecord
	for _, rec := range m.records {
		switch rec.Status {
		case constants.OutboxPending:
			if !rec.AvailableAt.After(now) {
				due = append(due, rec)
			}
		case constants.OutboxInFlight:
			if rec.LockedUntil != nil && rec.LockedUntil.Before(now) {
				due = append(due, rec)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].AvailableAt.Before(due[j].AvailableAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	lockedUntil := now.Add(lease)
	claimed := make([]*entity.OutboxRecord, 0, len(due))
	for _, rec := range due {
		rec.Status = constants.OutboxInFlight
		rec.LockToken = ulid.Make().String()
		until := lockedUntil
		rec.LockedUntil = &until
		rec.Attempts++
		rec.UpdatedAt = now
		cp := *rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryOutboxRepository) Ack(_ context.Context, recordID, lockToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.Status != constants.OutboxInFlight || rec.LockToken != lockToken {
		return common.ErrLeaseExpired
	}
	delete(m.records, recordID)
	return nil
}

func (m *MemoryOutboxRepository) Fail(_ context.Context, recordID, lockToken string, delay time.Duration, maxAttempts int) (FailOutcome, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.Status != constants.OutboxInFlight || rec.LockToken != lockToken {
		return "", common.ErrLeaseExpired
	}
	rec.LockToken = ""
	rec.LockedUntil = nil
	rec.UpdatedAt = now
	if rec.Attempts >= maxAttempts {
		rec.Status = constants.OutboxDeadLettered
		return FailDeadLettered, nil
	}
	rec.Status = constants.OutboxPending
	rec.AvailableAt = now.Add(delay)
	return FailRequeued, nil
}

func (m *MemoryOutboxRepository) Requeue(_ context.Context, recordID string) error {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.Status != constants.OutboxDeadLettered {
		return common.ErrNotFound
	}
	rec.Status = constants.OutboxPending
	rec.Attempts = 0
	rec.AvailableAt = now
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryOutboxRepository) ListDeadLettered(_ context.Context, limit int) ([]*entity.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.OutboxRecord
	for _, rec := range m.records {
		if rec.Status == constants.OutboxDeadLettered {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutboxRepository) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var depth int64
	for _, rec := range m.records {
		if rec.Status == constants.OutboxPending {
			depth++
		}
	}
	return depth, nil
}

// MemoryGrantRepository is a map-backed GrantRepository.
type MemoryGrantRepository struct {
	mu     sync.Mutex
	grants map[string]*entity.GrantSet
	// Loads counts backing-store reads, for cache tests.
	Loads int
}

func NewMemoryGrantRepository() *MemoryGrantRepository {
	return &MemoryGrantRepository{grants: make(map[string]*entity.GrantSet)}
}

func (m *MemoryGrantRepository) Get(_ context.Context, tenantID, actorID string) (*entity.GrantSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads++
	grant, ok := m.grants[tenantID+"/"+actorID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *grant
	return &cp, nil
}

func (m *MemoryGrantRepository) Put(_ context.Context, grant *entity.GrantSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *grant
	m.grants[grant.TenantID+"/"+grant.ActorID] = &cp
	return nil
}

// MemorySettingsRepository is a map-backed SettingsRepository.
type MemorySettingsRepository struct {
	mu       sync.Mutex
	settings map[string]*entity.TenantSettings
	Loads    int
}

func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{settings: make(map[string]*entity.TenantSettings)}
}

func (m *MemorySettingsRepository) Get(_ context.Context, tenantID string) (*entity.TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads++
	settings, ok := m.settings[tenantID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *settings
	return &cp, nil
}

func (m *MemorySettingsRepository) Put(_ context.Context, settings *entity.TenantSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *settings
	m.settings[settings.TenantID] = &cp
	return nil
}

// MemoryAssetRepository is a slice-backed AssetRepository.
type MemoryAssetRepository struct {
	mu     sync.Mutex
	Assets []*entity.FileAsset
}

func NewMemoryAssetRepository() *MemoryAssetRepository {
	return &MemoryAssetRepository{}
}

func (m *MemoryAssetRepository) Insert(_ context.Context, asset *entity.FileAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *asset
	m.Assets = append(m.Assets, &cp)
	return nil
}
