package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/entity"
)

// JobContext is everything a stage may read. Stages communicate forward
// only through StageOutput; the orchestrator folds outputs onto the job row.
type JobContext struct {
	Job   *entity.ProcessingJob
	Blobs BlobStore
}

// StageOutput carries the fields a stage contributes to the job row. Nil
// fields leave the row untouched.
type StageOutput struct {
	Metadata  json.RawMessage
	OCRText   string
	OutputKey string
}

// Stage is one pipeline step. Execute returns a *Failure (possibly wrapped)
// on error; anything else the orchestrator treats as retryable.
type Stage interface {
	Name() constants.Stage
	Execute(ctx context.Context, jc *JobContext) (*StageOutput, error)
}

// Failure is a typed stage error. Retryable failures consume attempt
// budget; permanent ones move the job straight to FAILED.
type Failure struct {
	Retryable bool
	Code      string
	Message   string
	Cause     error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewRetryable builds a transient failure (network/timeout class).
func NewRetryable(code, message string, cause error) *Failure {
	return &Failure{Retryable: true, Code: code, Message: message, Cause: cause}
}

// NewPermanent builds a terminal failure (malformed input, unsupported format).
func NewPermanent(code, message string, cause error) *Failure {
	return &Failure{Retryable: false, Code: code, Message: message, Cause: cause}
}

// Classify coerces any stage error into a Failure. Deadline overruns and
// unrecognized errors count as retryable; a deliberate Failure passes through.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRetryable("STAGE_TIMEOUT", "stage deadline exceeded", err)
	}
	return NewRetryable("STAGE_ERROR", "stage execution failed", err)
}
