package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func blobStoreWith(t *testing.T, key string, data []byte) BlobStore {
	t.Helper()
	blobs := NewMemBlobStore()
	require.NoError(t, blobs.Put(context.Background(), key, data))
	return blobs
}

func TestMetadataExtractsImageDimensions(t *testing.T) {
	data := pngBytes(t, 12, 8)
	job := testJob("incoming/a.png", "image/png", int64(len(data)))
	s := NewMetadataStage(discardLogger())

	out, err := s.Execute(context.Background(), &JobContext{
		Job:   job,
		Blobs: blobStoreWith(t, job.SourceKey, data),
	})
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(out.Metadata, &meta))
	require.Equal(t, "png", meta["format"])
	require.EqualValues(t, 12, meta["width"])
	require.EqualValues(t, 8, meta["height"])
	require.Equal(t, "image/png", meta["sniffed_content_type"])
	require.EqualValues(t, len(data), meta["size_bytes"])
}

func TestMetadataNonImageSkipsDecode(t *testing.T) {
	data := []byte("%PDF-1.4 minimal")
	job := testJob("incoming/a.pdf", "application/pdf", int64(len(data)))
	s := NewMetadataStage(discardLogger())

	out, err := s.Execute(context.Background(), &JobContext{
		Job:   job,
		Blobs: blobStoreWith(t, job.SourceKey, data),
	})
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(out.Metadata, &meta))
	require.NotContains(t, meta, "width")
	require.NotContains(t, meta, "format")
}

func TestMetadataMissingBlobIsRetryable(t *testing.T) {
	job := testJob("incoming/a.png", "image/png", 100)
	s := NewMetadataStage(discardLogger())
	_, err := s.Execute(context.Background(), &JobContext{Job: job, Blobs: NewMemBlobStore()})
	requireFailure(t, err, "METADATA_FETCH", true)
}

func TestMetadataCorruptImageIsPermanent(t *testing.T) {
	data := []byte("definitely not a png")
	job := testJob("incoming/a.png", "image/png", int64(len(data)))
	s := NewMetadataStage(discardLogger())
	_, err := s.Execute(context.Background(), &JobContext{
		Job:   job,
		Blobs: blobStoreWith(t, job.SourceKey, data),
	})
	requireFailure(t, err, "METADATA_DECODE", false)
}
