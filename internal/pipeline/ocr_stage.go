package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/cache"
)

// OCRStage extracts text with tesseract through the Runner. The OCR engine
// itself is an external collaborator; this stage only stages bytes, invokes
// it, and classifies the outcome.
type OCRStage struct {
	Runner   Runner
	Settings *cache.SettingsCache
	Bin      string
	WorkDir  string
	Logger   *slog.Logger
}

func NewOCRStage(runner Runner, settings *cache.SettingsCache, bin, workDir string, logger *slog.Logger) *OCRStage {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &OCRStage{Runner: runner, Settings: settings, Bin: bin, WorkDir: workDir, Logger: logger}
}

func (s *OCRStage) Name() constants.Stage {
	return constants.StagePerformingOCR
}

func (s *OCRStage) Execute(ctx context.Context, jc *JobContext) (*StageOutput, error) {
	job := jc.Job

	if !constants.OCRable(job.ContentType) {
		s.Logger.Debug("ocr.skipped", "job_id", job.ID, "content_type", job.ContentType)
		return &StageOutput{}, nil
	}
	settings, err := s.Settings.Get(ctx, job.TenantID)
	if err != nil {
		return nil, NewRetryable("OCR_SETTINGS", "load tenant settings", err)
	}
	if !settings.OCREnabled {
		s.Logger.Debug("ocr.disabled", "job_id", job.ID, "tenant_id", job.TenantID)
		return &StageOutput{}, nil
	}

	data, err := jc.Blobs.Get(ctx, job.SourceKey)
	if err != nil {
		return nil, NewRetryable("OCR_FETCH", "fetch source blob", err)
	}

	tmp, err := os.CreateTemp(s.WorkDir, "ocr-*"+filepath.Ext(job.SourceKey))
	if err != nil {
		return nil, NewRetryable("OCR_TEMP", "create temp file", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, NewRetryable("OCR_TEMP", "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, NewRetryable("OCR_TEMP", "close temp file", err)
	}

	// "stdout" makes tesseract print the recognized text instead of
	// writing an output file.
	stdout, stderr, err := s.Runner.Run(ctx, s.Bin, tmp.Name(), "stdout")
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewRetryable("OCR_TIMEOUT", "ocr deadline exceeded", ctx.Err())
		}
		if strings.Contains(string(stderr), "Unsupported image type") {
			return nil, NewPermanent("OCR_UNSUPPORTED", "unsupported input for ocr", err)
		}
		return nil, NewRetryable("OCR_EXEC", fmt.Sprintf("%s failed", s.Bin), err)
	}

	text := strings.TrimSpace(string(stdout))
	s.Logger.Info("ocr.ok", "job_id", job.ID, "chars", len(text))
	return &StageOutput{OCRText: text}, nil
}
