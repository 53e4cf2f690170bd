package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ryuqq/fileflow/internal/cache"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(sourceKey, contentType string, size int64) *entity.ProcessingJob {
	return entity.NewProcessingJob(uuid.New(), "t1", "alice", sourceKey, contentType, size)
}

type failingSettingsRepo struct{}

func (failingSettingsRepo) Get(context.Context, string) (*entity.TenantSettings, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (failingSettingsRepo) Put(context.Context, *entity.TenantSettings) error {
	return nil
}

func settingsCacheWith(t *testing.T, settings *entity.TenantSettings) *cache.SettingsCache {
	t.Helper()
	repo := repository.NewMemorySettingsRepository()
	if settings != nil {
		require.NoError(t, repo.Put(context.Background(), settings))
	}
	return cache.NewSettingsCache(repo, discardLogger())
}

func newValidate(t *testing.T, settings *entity.TenantSettings) *ValidateStage {
	t.Helper()
	s, err := NewValidateStage(settingsCacheWith(t, settings), discardLogger())
	require.NoError(t, err)
	return s
}

func requireFailure(t *testing.T, err error, code string, retryable bool) {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, code, f.Code)
	require.Equal(t, retryable, f.Retryable)
}

func TestValidateAcceptsConformingUpload(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{TenantID: "t1", OCREnabled: true})
	out, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "image/png", 100)})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestValidateRejectsMissingAttributes(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{TenantID: "t1"})
	job := testJob("incoming/a.png", "image/png", 100)
	job.TenantID = ""
	_, err := s.Execute(context.Background(), &JobContext{Job: job})
	requireFailure(t, err, "VALIDATE_SCHEMA", false)
}

func TestValidateRejectsMalformedContentType(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{TenantID: "t1"})
	_, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "not a mime type", 100)})
	requireFailure(t, err, "VALIDATE_SCHEMA", false)
}

func TestValidateRejectsUnsupportedExtension(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{TenantID: "t1"})
	_, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.exe", "image/png", 100)})
	requireFailure(t, err, "VALIDATE_EXT", false)
}

func TestValidateRejectsDisallowedContentType(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{
		TenantID:            "t1",
		AllowedContentTypes: []string{"application/pdf"},
	})
	_, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "image/png", 100)})
	requireFailure(t, err, "VALIDATE_CONTENT_TYPE", false)
}

func TestValidateRejectsOversizedUpload(t *testing.T) {
	s := newValidate(t, &entity.TenantSettings{TenantID: "t1", MaxSizeBytes: 50})
	_, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "image/png", 100)})
	requireFailure(t, err, "VALIDATE_SIZE", false)
}

func TestValidateUnknownTenantIsPermanent(t *testing.T) {
	s := newValidate(t, nil)
	_, err := s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "image/png", 100)})
	requireFailure(t, err, "VALIDATE_TENANT", false)
}

func TestValidateSettingsStoreDownIsRetryable(t *testing.T) {
	s, err := NewValidateStage(cache.NewSettingsCache(failingSettingsRepo{}, discardLogger()), discardLogger())
	require.NoError(t, err)
	_, err = s.Execute(context.Background(), &JobContext{Job: testJob("incoming/a.png", "image/png", 100)})
	requireFailure(t, err, "VALIDATE_SETTINGS", true)
}
