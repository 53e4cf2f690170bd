package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/cache"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/metrics"
	"github.com/ryuqq/fileflow/internal/pipeline"
	"github.com/ryuqq/fileflow/internal/policy"
	"github.com/ryuqq/fileflow/internal/repository"
)

// ExecuteRule is the ABAC rule gating every job's entry into the pipeline.
const ExecuteRule = "pipeline.execute"

// Outcome tells the dispatcher what to do with the delivery.
type Outcome int

const (
	// OutcomeAck covers effective transitions and benign no-ops
	// (duplicates, stale versions, lost CAS races, terminal business
	// failures). The record must not be redelivered.
	OutcomeAck Outcome = iota

	// OutcomeRetry covers infrastructure errors (store unreachable); the
	// record should be redelivered with backoff.
	OutcomeRetry
)

// Config bounds stage execution and retry behavior.
type Config struct {
	StageTimeout   time.Duration
	AttemptBudget  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Orchestrator advances ProcessingJobs through the fixed stage sequence.
// Concurrency control is the job row's version: every mutation is a CAS,
// and a lost race means another worker already produced the canonical
// state, so the event is dropped.
type Orchestrator struct {
	jobs      repository.JobRepository
	outbox    repository.OutboxRepository
	evaluator *policy.Evaluator
	grants    *cache.GrantCache
	stages    map[constants.Stage]pipeline.Stage
	blobs     pipeline.BlobStore
	cfg       Config
	logger    *slog.Logger
}

func New(
	jobs repository.JobRepository,
	outbox repository.OutboxRepository,
	evaluator *policy.Evaluator,
	grants *cache.GrantCache,
	blobs pipeline.BlobStore,
	cfg Config,
	logger *slog.Logger,
	stages ...pipeline.Stage,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	byStage := make(map[constants.Stage]pipeline.Stage, len(stages))
	for _, st := range stages {
		byStage[st.Name()] = st
	}
	return &Orchestrator{
		jobs:      jobs,
		outbox:    outbox,
		evaluator: evaluator,
		grants:    grants,
		stages:    byStage,
		blobs:     blobs,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartJob persists a new job and enqueues its seed event.
func (o *Orchestrator) StartJob(ctx context.Context, job *entity.ProcessingJob) error {
	if err := o.jobs.Create(ctx, job); err != nil {
		return err
	}
	ev := &entity.JobEvent{
		JobID:     job.ID,
		FileID:    job.FileID,
		FromStage: job.Stage,
		Version:   job.Version,
	}
	if _, err := o.outbox.Enqueue(ctx, ev, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Handle processes one delivered event. It is safe to call concurrently
// and with duplicate, stale, or out-of-order events.
func (o *Orchestrator) Handle(ctx context.Context, ev *entity.JobEvent) Outcome {
	log := o.logger.With("job_id", ev.JobID, "event_version", ev.Version)
	if reqID := common.RequestIDFromContext(ctx); reqID != "" {
		log = log.With("request_id", reqID)
	}

	job, err := o.jobs.Get(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Error("orchestrator.job.missing")
			return OutcomeAck
		}
		log.Warn("orchestrator.job.load_failed", "err", err)
		return OutcomeRetry
	}

	// Duplicate delivery for a finished job.
	if job.IsTerminal() {
		log.Debug("orchestrator.event.duplicate", "stage", job.Stage)
		return OutcomeAck
	}

	// Another worker already advanced the job; its successful CAS produced
	// the canonical next state, so this delivery is dropped.
	if ev.Version != job.Version {
		log.Debug("orchestrator.event.stale", "job_version", job.Version)
		return OutcomeAck
	}

	// Cancellation is honored at transition boundaries only.
	if job.CancelRequested {
		return o.finalize(ctx, job, constants.StageFailed, "cancellation requested")
	}

	// The ABAC gate runs once, on the first transition out of RECEIVED.
	if job.Stage == constants.StageReceived {
		if !o.gate(ctx, job) {
			log.Info("orchestrator.access.denied", "actor_id", job.ActorID, "tenant_id", job.TenantID)
			return o.finalize(ctx, job, constants.StageDenied, common.ErrAccessDenied.Error())
		}
		return o.advance(ctx, job, nil)
	}

	st, ok := o.stages[job.Stage]
	if !ok {
		log.Error("orchestrator.stage.unmapped", "stage", job.Stage)
		return o.finalize(ctx, job, constants.StageFailed, "no stage function for "+string(job.Stage))
	}

	stageCtx := ctx
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = common.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := st.Execute(stageCtx, &pipeline.JobContext{Job: job, Blobs: o.blobs})
	if err != nil {
		f := pipeline.Classify(err)
		result := "retryable"
		if !f.Retryable {
			result = "permanent"
		}
		metrics.StageDuration.WithLabelValues(string(job.Stage), result).Observe(time.Since(start).Seconds())
		return o.handleFailure(ctx, job, f)
	}
	metrics.StageDuration.WithLabelValues(string(job.Stage), "ok").Observe(time.Since(start).Seconds())

	return o.advance(ctx, job, out)
}

// gate evaluates the entry rule. Attribute loading errors deny; a missing
// grant evaluates with empty permissions so the rule decides.
func (o *Orchestrator) gate(ctx context.Context, job *entity.ProcessingJob) bool {
	grant, err := o.grants.Get(ctx, job.TenantID, job.ActorID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			o.logger.Warn("orchestrator.gate.grant_load_failed", "job_id", job.ID, "err", err)
			return false
		}
		grant = &entity.GrantSet{TenantID: job.TenantID, ActorID: job.ActorID}
	}

	perms := make([]any, 0, len(grant.Permissions))
	for _, p := range grant.Permissions {
		perms = append(perms, p)
	}
	in := policy.Input{
		Actor: map[string]any{
			"id":          job.ActorID,
			"tenant":      job.TenantID,
			"role":        grant.Role,
			"permissions": perms,
			"time":        time.Now().UTC().Format(time.RFC3339),
		},
		Resource: map[string]any{
			"tenant":       job.TenantID,
			"owner":        job.ActorID,
			"content_type": job.ContentType,
			"extension":    constants.NormalizeExt(path.Ext(job.SourceKey)),
			"size_bytes":   job.SizeBytes,
		},
	}
	return o.evaluator.Evaluate(ctx, ExecuteRule, in)
}

// advance folds the stage output onto the job, CASes it one stage forward,
// and enqueues the follow-up event.
func (o *Orchestrator) advance(ctx context.Context, job *entity.ProcessingJob, out *pipeline.StageOutput) Outcome {
	if out != nil {
		if len(out.Metadata) > 0 {
			job.Metadata = out.Metadata
		}
		if out.OCRText != "" {
			job.OCRText = out.OCRText
		}
		if out.OutputKey != "" {
			job.OutputKey = out.OutputKey
		}
	}

	next, ok := constants.NextStage(job.Stage)
	if !ok {
		o.logger.Error("orchestrator.advance.no_next", "job_id", job.ID, "stage", job.Stage)
		return OutcomeAck
	}
	from := job.Stage
	job.Stage = next
	if err := o.jobs.UpdateCAS(ctx, job); err != nil {
		return o.casOutcome(job, err)
	}
	o.logger.Info("orchestrator.transition.ok",
		"job_id", job.ID, "from", from, "to", next, "version", job.Version)

	if next.IsTerminal() {
		return OutcomeAck
	}
	ev := &entity.JobEvent{
		JobID:     job.ID,
		FileID:    job.FileID,
		FromStage: next,
		Version:   job.Version,
	}
	if _, err := o.outbox.Enqueue(ctx, ev, time.Now().UTC()); err != nil {
		o.logger.Error("orchestrator.enqueue.failed", "job_id", job.ID, "err", err)
		return OutcomeRetry
	}
	return OutcomeAck
}

// handleFailure applies the retry budget for transient failures and fails
// the job outright for permanent ones.
func (o *Orchestrator) handleFailure(ctx context.Context, job *entity.ProcessingJob, f *pipeline.Failure) Outcome {
	if !f.Retryable {
		o.logger.Warn("orchestrator.stage.permanent_failure",
			"job_id", job.ID, "stage", job.Stage, "err", f)
		return o.finalize(ctx, job, constants.StageFailed, f.Error())
	}

	stage := job.Stage
	job.RecordAttempt(stage)
	attempts := job.AttemptCount(stage)
	o.logger.Warn("orchestrator.stage.retryable_failure",
		"job_id", job.ID, "stage", stage, "attempt", attempts, "budget", o.cfg.AttemptBudget, "err", f)

	// The budget counts allowed attempts; the job fails only once the count
	// exceeds it, so attempt N of N is still re-enqueued.
	if attempts > o.cfg.AttemptBudget {
		job.ErrorMessage = f.Error()
		job.Stage = constants.StageFailed
		if err := o.jobs.UpdateCAS(ctx, job); err != nil {
			return o.casOutcome(job, err)
		}
		o.logger.Error("orchestrator.stage.budget_exhausted", "job_id", job.ID, "stage", stage)
		return OutcomeAck
	}

	// Persist the attempt count, then schedule the retry as a fresh event
	// carrying the bumped version.
	if err := o.jobs.UpdateCAS(ctx, job); err != nil {
		return o.casOutcome(job, err)
	}
	ev := &entity.JobEvent{
		JobID:     job.ID,
		FileID:    job.FileID,
		FromStage: job.Stage,
		Version:   job.Version,
	}
	delay := o.retryDelay(attempts)
	if _, err := o.outbox.Enqueue(ctx, ev, time.Now().UTC().Add(delay)); err != nil {
		o.logger.Error("orchestrator.retry.enqueue_failed", "job_id", job.ID, "err", err)
		return OutcomeRetry
	}
	return OutcomeAck
}

// finalize CASes the job into a terminal stage.
func (o *Orchestrator) finalize(ctx context.Context, job *entity.ProcessingJob, terminal constants.Stage, reason string) Outcome {
	job.Stage = terminal
	job.ErrorMessage = reason
	if err := o.jobs.UpdateCAS(ctx, job); err != nil {
		return o.casOutcome(job, err)
	}
	o.logger.Info("orchestrator.job.finalized", "job_id", job.ID, "stage", terminal, "reason", reason)
	return OutcomeAck
}

// casOutcome maps CAS errors: a lost race is dropped, anything else retried.
func (o *Orchestrator) casOutcome(job *entity.ProcessingJob, err error) Outcome {
	if errors.Is(err, common.ErrVersionConflict) {
		o.logger.Debug("orchestrator.cas.conflict", "job_id", job.ID)
		return OutcomeAck
	}
	o.logger.Warn("orchestrator.cas.failed", "job_id", job.ID, "err", err)
	return OutcomeRetry
}

// retryDelay grows exponentially with the attempt count, capped.
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	delay := o.cfg.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if o.cfg.MaxBackoff > 0 && delay >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	return delay
}
