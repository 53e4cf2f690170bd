package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryuqq/fileflow/internal/repository"
)

func TestPersistWritesAssetFromJobResults(t *testing.T) {
	assets := repository.NewMemoryAssetRepository()
	s := NewPersistStage(assets, discardLogger())

	job := testJob("incoming/a.png", "image/png", 100)
	job.Metadata = json.RawMessage(`{"format":"png","width":12,"height":8}`)
	job.OCRText = "TOTAL 12.00"
	job.OutputKey = "derived/" + job.FileID.String() + ".jpg"

	_, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: NewMemBlobStore()})
	require.NoError(t, err)
	require.Len(t, assets.Assets, 1)

	asset := assets.Assets[0]
	require.Equal(t, job.FileID, asset.FileID)
	require.Equal(t, job.ID, asset.JobID)
	require.Equal(t, "t1", asset.TenantID)
	require.Equal(t, job.SourceKey, asset.SourceKey)
	require.Equal(t, job.OutputKey, asset.OutputKey)
	require.Equal(t, 12, asset.Width)
	require.Equal(t, 8, asset.Height)
	require.Equal(t, "TOTAL 12.00", asset.OCRText)
	require.NotEqual(t, asset.ID, job.ID)
}

func TestPersistToleratesAbsentMetadata(t *testing.T) {
	assets := repository.NewMemoryAssetRepository()
	s := NewPersistStage(assets, discardLogger())

	job := testJob("incoming/a.pdf", "application/pdf", 100)
	_, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: NewMemBlobStore()})
	require.NoError(t, err)
	require.Len(t, assets.Assets, 1)
	require.Zero(t, assets.Assets[0].Width)
	require.Zero(t, assets.Assets[0].Height)
}
