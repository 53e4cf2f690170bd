package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ryuqq/fileflow/constants"
)

// MetadataStage sniffs the stored bytes and records basic file metadata;
// for images it decodes the header for dimensions.
type MetadataStage struct {
	Logger *slog.Logger
}

func NewMetadataStage(logger *slog.Logger) *MetadataStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataStage{Logger: logger}
}

func (s *MetadataStage) Name() constants.Stage {
	return constants.StageExtractingMetadata
}

func (s *MetadataStage) Execute(ctx context.Context, jc *JobContext) (*StageOutput, error) {
	job := jc.Job

	data, err := jc.Blobs.Get(ctx, job.SourceKey)
	if err != nil {
		return nil, NewRetryable("METADATA_FETCH", "fetch source blob", err)
	}

	sniffed := http.DetectContentType(data)
	meta := map[string]any{
		"sniffed_content_type": sniffed,
		"size_bytes":           len(data),
	}

	if constants.CategoryForContentType(job.ContentType) == constants.CategoryImage {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			s.Logger.Warn("metadata.decode.failed", "job_id", job.ID, "err", err)
			return nil, NewPermanent("METADATA_DECODE", "decode image header", err)
		}
		meta["format"] = format
		meta["width"] = cfg.Width
		meta["height"] = cfg.Height
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, NewPermanent("METADATA_ENCODE", "encode metadata", err)
	}
	s.Logger.Debug("metadata.ok", "job_id", job.ID, "sniffed", sniffed)
	return &StageOutput{Metadata: raw}, nil
}
