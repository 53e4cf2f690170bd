package repository

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "fileflow.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Bootstrap(context.Background()))
	return store
}

func newStoredJob(t *testing.T, jobs JobRepository) *entity.ProcessingJob {
	t.Helper()
	job := entity.NewProcessingJob(uuid.New(), "t1", "alice", "incoming/a.png", "image/png", 128)
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func TestJobRepositoryRoundTrip(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	job := newStoredJob(t, jobs)

	got, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, job.FileID, got.FileID)
	require.Equal(t, constants.StageReceived, got.Stage)
	require.EqualValues(t, 1, got.Version)
	require.Equal(t, "image/png", got.ContentType)
	require.EqualValues(t, 128, got.SizeBytes)
	require.False(t, got.CancelRequested)
	require.Empty(t, got.Metadata)
}

func TestJobRepositoryGetUnknownIsNotFound(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	_, err := jobs.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobRepositoryUpdateCAS(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	job := newStoredJob(t, jobs)

	job.Stage = constants.StageValidating
	job.Metadata = json.RawMessage(`{"width":10}`)
	job.OCRText = "hello"
	require.NoError(t, jobs.UpdateCAS(context.Background(), job))
	require.EqualValues(t, 2, job.Version, "version bumps in place on success")

	got, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.StageValidating, got.Stage)
	require.EqualValues(t, 2, got.Version)
	require.JSONEq(t, `{"width":10}`, string(got.Metadata))
	require.Equal(t, "hello", got.OCRText)
}

func TestJobRepositoryUpdateCASConflict(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	job := newStoredJob(t, jobs)

	// Two workers hold version 1; the first advance wins.
	worker2, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)

	job.Stage = constants.StageValidating
	require.NoError(t, jobs.UpdateCAS(context.Background(), job))

	worker2.Stage = constants.StageValidating
	require.ErrorIs(t, jobs.UpdateCAS(context.Background(), worker2), common.ErrVersionConflict)

	got, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version, "exactly one increment")
}

func TestJobRepositoryUpdateCASMissingRowIsNotFound(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	ghost := entity.NewProcessingJob(uuid.New(), "t1", "alice", "incoming/a.png", "image/png", 1)
	require.ErrorIs(t, jobs.UpdateCAS(context.Background(), ghost), common.ErrNotFound)
}

func TestJobRepositoryRequestCancel(t *testing.T) {
	store := testStore(t)
	jobs := NewJobRepository(store, nil)
	job := newStoredJob(t, jobs)

	require.NoError(t, jobs.RequestCancel(context.Background(), job.ID))
	got, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, got.CancelRequested)

	// The flag survives a CAS from a worker holding a pre-cancel snapshot.
	require.ErrorIs(t, jobs.RequestCancel(context.Background(), uuid.New()), common.ErrNotFound)
}

func TestOutboxEnqueueClaimAck(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)
	jobID := uuid.New()

	rec, err := outbox.Enqueue(context.Background(), &entity.JobEvent{
		JobID:     jobID,
		FileID:    uuid.New(),
		FromStage: constants.StageReceived,
		Version:   1,
	}, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, constants.OutboxPending, rec.Status)

	depth, err := outbox.Depth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	claimed, err := outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, rec.ID, claimed[0].ID)
	require.Equal(t, constants.OutboxInFlight, claimed[0].Status)
	require.NotEmpty(t, claimed[0].LockToken)
	require.Equal(t, 1, claimed[0].Attempts)

	ev, err := claimed[0].Event()
	require.NoError(t, err)
	require.Equal(t, jobID, ev.JobID)
	require.EqualValues(t, 1, ev.Version)

	// In-flight records are invisible to further claims.
	again, err := outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, outbox.Ack(context.Background(), claimed[0].ID, claimed[0].LockToken))
	depth, err = outbox.Depth(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestOutboxDeferredRecordsAreNotDue(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)

	_, err := outbox.Enqueue(context.Background(), &entity.JobEvent{
		JobID: uuid.New(), Version: 1,
	}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	claimed, err := outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestOutboxClaimOrderFollowsAvailability(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)
	base := time.Now().UTC().Add(-time.Minute)

	late, err := outbox.Enqueue(context.Background(), &entity.JobEvent{JobID: uuid.New(), Version: 1}, base.Add(30*time.Second))
	require.NoError(t, err)
	early, err := outbox.Enqueue(context.Background(), &entity.JobEvent{JobID: uuid.New(), Version: 1}, base)
	require.NoError(t, err)

	claimed, err := outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, early.ID, claimed[0].ID)
	require.Equal(t, late.ID, claimed[1].ID)
}

func TestOutboxStaleTokenCannotSettle(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)

	_, err := outbox.Enqueue(context.Background(), &entity.JobEvent{JobID: uuid.New(), Version: 1}, time.Now().UTC())
	require.NoError(t, err)

	first, err := outbox.Claim(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)
	time.Sleep(20 * time.Millisecond)

	second, err := outbox.Claim(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1, "expired lease is claimable again")
	require.Equal(t, 2, second[0].Attempts)

	require.ErrorIs(t, outbox.Ack(context.Background(), first[0].ID, first[0].LockToken), common.ErrLeaseExpired)
	_, err = outbox.Fail(context.Background(), first[0].ID, first[0].LockToken, time.Second, 5)
	require.ErrorIs(t, err, common.ErrLeaseExpired)

	require.NoError(t, outbox.Ack(context.Background(), second[0].ID, second[0].LockToken))
}

func TestOutboxFailRequeuesThenDeadLetters(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)
	const maxAttempts = 2

	rec, err := outbox.Enqueue(context.Background(), &entity.JobEvent{JobID: uuid.New(), Version: 1}, time.Now().UTC())
	require.NoError(t, err)

	claimed, err := outbox.Claim(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	outcome, err := outbox.Fail(context.Background(), claimed[0].ID, claimed[0].LockToken, 0, maxAttempts)
	require.NoError(t, err)
	require.Equal(t, FailRequeued, outcome)

	claimed, err = outbox.Claim(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 2, claimed[0].Attempts)

	outcome, err = outbox.Fail(context.Background(), claimed[0].ID, claimed[0].LockToken, 0, maxAttempts)
	require.NoError(t, err)
	require.Equal(t, FailDeadLettered, outcome)

	dead, err := outbox.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, rec.ID, dead[0].ID)

	claimed, err = outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed, "dead-lettered records are out of the claim path")

	require.NoError(t, outbox.Requeue(context.Background(), rec.ID))
	claimed, err = outbox.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts, "requeue resets attempts")
}

func TestOutboxRequeueRequiresDeadLetteredState(t *testing.T) {
	store := testStore(t)
	outbox := NewOutboxRepository(store, nil)

	rec, err := outbox.Enqueue(context.Background(), &entity.JobEvent{JobID: uuid.New(), Version: 1}, time.Now().UTC())
	require.NoError(t, err)
	require.ErrorIs(t, outbox.Requeue(context.Background(), rec.ID), common.ErrNotFound)
}

func TestGrantRepositoryRoundTripAndUpsert(t *testing.T) {
	store := testStore(t)
	grants := NewGrantRepository(store, nil)

	_, err := grants.Get(context.Background(), "t1", "alice")
	require.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, grants.Put(context.Background(), &entity.GrantSet{
		TenantID:    "t1",
		ActorID:     "alice",
		Role:        "uploader",
		Permissions: []string{"file:upload"},
	}))
	got, err := grants.Get(context.Background(), "t1", "alice")
	require.NoError(t, err)
	require.Equal(t, "uploader", got.Role)
	require.True(t, got.Has("file:upload"))

	require.NoError(t, grants.Put(context.Background(), &entity.GrantSet{
		TenantID: "t1",
		ActorID:  "alice",
		Role:     "admin",
	}))
	got, err = grants.Get(context.Background(), "t1", "alice")
	require.NoError(t, err)
	require.Equal(t, "admin", got.Role)
	require.False(t, got.Has("file:upload"))
}

func TestSettingsRepositoryRoundTrip(t *testing.T) {
	store := testStore(t)
	settings := NewSettingsRepository(store, nil)

	require.NoError(t, settings.Put(context.Background(), &entity.TenantSettings{
		TenantID:            "t1",
		AllowedContentTypes: []string{"image/png"},
		MaxSizeBytes:        1 << 20,
		OCREnabled:          true,
	}))
	got, err := settings.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, got.OCREnabled)
	require.True(t, got.AllowsContentType("image/png"))
	require.False(t, got.AllowsContentType("image/webp"))

	_, err = settings.Get(context.Background(), "t2")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestAssetRepositoryInsert(t *testing.T) {
	store := testStore(t)
	assets := NewAssetRepository(store, nil)

	require.NoError(t, assets.Insert(context.Background(), &entity.FileAsset{
		ID:          uuid.New(),
		FileID:      uuid.New(),
		JobID:       uuid.New(),
		TenantID:    "t1",
		SourceKey:   "incoming/a.png",
		OutputKey:   "derived/a.jpg",
		ContentType: "image/png",
		Width:       10,
		Height:      20,
		Metadata:    json.RawMessage(`{"format":"png"}`),
		OCRText:     "hello",
		CreatedAt:   time.Now().UTC(),
	}))

	var count int
	require.NoError(t, store.DB.QueryRow("SELECT COUNT(*) FROM file_assets").Scan(&count))
	require.Equal(t, 1, count)
}
