package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ryuqq/fileflow/constants"
)

// ConvertStage normalizes image uploads: decode, scale the longest edge
// down to MaxEdge, re-encode as JPEG under derived/. Non-image jobs pass
// through untouched.
type ConvertStage struct {
	MaxEdge int
	Quality int
	Logger  *slog.Logger
}

func NewConvertStage(maxEdge int, logger *slog.Logger) *ConvertStage {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEdge <= 0 {
		maxEdge = 2048
	}
	return &ConvertStage{MaxEdge: maxEdge, Quality: 85, Logger: logger}
}

func (s *ConvertStage) Name() constants.Stage {
	return constants.StageConvertingImage
}

func (s *ConvertStage) Execute(ctx context.Context, jc *JobContext) (*StageOutput, error) {
	job := jc.Job

	if constants.CategoryForContentType(job.ContentType) != constants.CategoryImage {
		s.Logger.Debug("convert.skipped", "job_id", job.ID, "content_type", job.ContentType)
		return &StageOutput{}, nil
	}

	data, err := jc.Blobs.Get(ctx, job.SourceKey)
	if err != nil {
		return nil, NewRetryable("CONVERT_FETCH", "fetch source blob", err)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, NewPermanent("CONVERT_DECODE", "decode image", err)
	}

	dst := scaleDown(src, s.MaxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: s.Quality}); err != nil {
		return nil, NewPermanent("CONVERT_ENCODE", "encode jpeg", err)
	}

	outputKey := fmt.Sprintf("derived/%s.jpg", job.FileID)
	if err := jc.Blobs.Put(ctx, outputKey, buf.Bytes()); err != nil {
		return nil, NewRetryable("CONVERT_STORE", "store converted blob", err)
	}

	bounds := dst.Bounds()
	s.Logger.Info("convert.ok",
		"job_id", job.ID,
		"format", format,
		"width", bounds.Dx(),
		"height", bounds.Dy(),
		"bytes", buf.Len(),
	)
	return &StageOutput{OutputKey: outputKey}, nil
}

// scaleDown returns src scaled so its longest edge is at most maxEdge,
// or src itself when already small enough.
func scaleDown(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return src
	}
	scale := float64(maxEdge) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
