package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/cache"
	"github.com/ryuqq/fileflow/internal/common"
)

// buildUploadSchema returns the JSON-Schema (draft 2020-12 subset) every
// upload's attribute document must satisfy, as a generic map.
func buildUploadSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"source_key":   map[string]any{"type": "string", "minLength": 1},
			"content_type": map[string]any{"type": "string", "pattern": `^[a-z]+/[a-z0-9.+-]+$`},
			"size_bytes":   map[string]any{"type": "integer", "minimum": 1},
			"tenant_id":    map[string]any{"type": "string", "minLength": 1},
			"actor_id":     map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"source_key", "content_type", "size_bytes", "tenant_id", "actor_id"},
	}
}

// ValidateStage checks the upload's attribute document against the platform
// schema, then applies tenant settings (allowed content types, max size).
// All violations are permanent failures.
type ValidateStage struct {
	Settings *cache.SettingsCache
	Logger   *slog.Logger

	schema *jsonschema.Schema
}

func NewValidateStage(settings *cache.SettingsCache, logger *slog.Logger) (*ValidateStage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b, err := json.Marshal(buildUploadSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal upload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("upload.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add upload schema: %w", err)
	}
	schema, err := compiler.Compile("upload.json")
	if err != nil {
		return nil, fmt.Errorf("compile upload schema: %w", err)
	}
	return &ValidateStage{Settings: settings, Logger: logger, schema: schema}, nil
}

func (s *ValidateStage) Name() constants.Stage {
	return constants.StageValidating
}

func (s *ValidateStage) Execute(ctx context.Context, jc *JobContext) (*StageOutput, error) {
	job := jc.Job

	doc := map[string]any{
		"source_key":   job.SourceKey,
		"content_type": job.ContentType,
		"size_bytes":   job.SizeBytes,
		"tenant_id":    job.TenantID,
		"actor_id":     job.ActorID,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, NewPermanent("VALIDATE_ENCODE", "encode upload attributes", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewPermanent("VALIDATE_DECODE", "decode upload attributes", err)
	}
	if err := s.schema.Validate(v); err != nil {
		s.Logger.Warn("validate.schema.rejected", "job_id", job.ID, "err", err)
		return nil, NewPermanent("VALIDATE_SCHEMA", "upload attributes do not match schema", err)
	}

	ext := constants.NormalizeExt(path.Ext(job.SourceKey))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return nil, NewPermanent("VALIDATE_EXT", fmt.Sprintf("extension %q not supported", ext), nil)
	}

	settings, err := s.Settings.Get(ctx, job.TenantID)
	if err != nil {
		// The settings store being unreachable is transient; a missing
		// tenant is not.
		if errors.Is(err, common.ErrNotFound) {
			return nil, NewPermanent("VALIDATE_TENANT", fmt.Sprintf("tenant %s has no settings", job.TenantID), err)
		}
		return nil, NewRetryable("VALIDATE_SETTINGS", "load tenant settings", err)
	}
	if !settings.AllowsContentType(job.ContentType) {
		return nil, NewPermanent("VALIDATE_CONTENT_TYPE",
			fmt.Sprintf("content type %q not allowed for tenant %s", job.ContentType, job.TenantID), nil)
	}
	if settings.MaxSizeBytes > 0 && job.SizeBytes > settings.MaxSizeBytes {
		return nil, NewPermanent("VALIDATE_SIZE",
			fmt.Sprintf("file size %d exceeds tenant limit %d", job.SizeBytes, settings.MaxSizeBytes), nil)
	}

	s.Logger.Debug("validate.ok", "job_id", job.ID)
	return &StageOutput{}, nil
}
