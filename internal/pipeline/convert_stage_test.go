package pipeline

import (
	"bytes"
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertScalesDownLongEdge(t *testing.T) {
	data := pngBytes(t, 100, 40)
	job := testJob("incoming/a.png", "image/png", int64(len(data)))
	blobs := blobStoreWith(t, job.SourceKey, data)
	s := NewConvertStage(50, discardLogger())

	out, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: blobs})
	require.NoError(t, err)
	require.Equal(t, "derived/"+job.FileID.String()+".jpg", out.OutputKey)

	converted, err := blobs.Get(context.Background(), out.OutputKey)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(converted))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 50, cfg.Width)
	require.Equal(t, 20, cfg.Height)
}

func TestConvertKeepsSmallImagesUnscaled(t *testing.T) {
	data := pngBytes(t, 30, 20)
	job := testJob("incoming/a.png", "image/png", int64(len(data)))
	blobs := blobStoreWith(t, job.SourceKey, data)
	s := NewConvertStage(2048, discardLogger())

	out, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: blobs})
	require.NoError(t, err)

	converted, err := blobs.Get(context.Background(), out.OutputKey)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(converted))
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Width)
	require.Equal(t, 20, cfg.Height)
}

func TestConvertSkipsNonImages(t *testing.T) {
	job := testJob("incoming/a.pdf", "application/pdf", 100)
	s := NewConvertStage(2048, discardLogger())

	out, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: NewMemBlobStore()})
	require.NoError(t, err)
	require.Empty(t, out.OutputKey)
}

func TestConvertCorruptImageIsPermanent(t *testing.T) {
	data := []byte("not an image")
	job := testJob("incoming/a.png", "image/png", int64(len(data)))
	s := NewConvertStage(2048, discardLogger())

	_, err := s.Execute(context.Background(), &JobContext{
		Job:   job,
		Blobs: blobStoreWith(t, job.SourceKey, data),
	})
	requireFailure(t, err, "CONVERT_DECODE", false)
}

func TestConvertMissingBlobIsRetryable(t *testing.T) {
	job := testJob("incoming/a.png", "image/png", 100)
	s := NewConvertStage(2048, discardLogger())
	_, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: NewMemBlobStore()})
	requireFailure(t, err, "CONVERT_FETCH", true)
}

func TestScaleDownPreservesAspectRatio(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 100))
	dst := scaleDown(src, 200)
	require.Equal(t, 200, dst.Bounds().Dx())
	require.Equal(t, 50, dst.Bounds().Dy())

	small := image.NewRGBA(image.Rect(0, 0, 64, 64))
	require.Equal(t, small, scaleDown(small, 200))
}
