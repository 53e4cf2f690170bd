package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/metrics"
	"github.com/ryuqq/fileflow/internal/orchestrator"
	"github.com/ryuqq/fileflow/internal/repository"
)

// Handler consumes one decoded job event and reports how to settle the
// delivery. The orchestrator is the production implementation.
type Handler interface {
	Handle(ctx context.Context, ev *entity.JobEvent) orchestrator.Outcome
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, ev *entity.JobEvent) orchestrator.Outcome

func (f HandlerFunc) Handle(ctx context.Context, ev *entity.JobEvent) orchestrator.Outcome {
	return f(ctx, ev)
}

// Dispatcher polls the outbox, leases due records, and fans them out to a
// worker pool. Delivery is at-least-once: a worker that dies mid-record
// leaves the lease to expire, and the record is claimed again.
type Dispatcher struct {
	outbox  repository.OutboxRepository
	handler Handler
	cfg     common.DispatcherConfig
	logger  *slog.Logger
}

func New(outbox repository.OutboxRepository, handler Handler, cfg common.DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{outbox: outbox, handler: handler, cfg: cfg, logger: logger}
}

// Run blocks until ctx is canceled, polling and dispatching. A clean
// shutdown returns nil; in-flight records finish before workers exit.
func (d *Dispatcher) Run(ctx context.Context) error {
	records := make(chan *entity.OutboxRecord)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for rec := range records {
				d.processRecord(ctx, rec)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(records)
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			d.poll(ctx, records)
		}
	})

	err := g.Wait()
	d.logger.Info("dispatcher.stopped")
	return err
}

func (d *Dispatcher) poll(ctx context.Context, records chan<- *entity.OutboxRecord) {
	if depth, err := d.outbox.Depth(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}

	claimed, err := d.outbox.Claim(ctx, d.cfg.BatchSize, d.cfg.LeaseDuration)
	if err != nil {
		d.logger.Warn("dispatcher.claim.failed", "err", err)
		return
	}
	for _, rec := range claimed {
		select {
		case records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// processRecord settles exactly one leased record: Ack on a handled
// delivery, Fail with backoff on infrastructure trouble.
func (d *Dispatcher) processRecord(ctx context.Context, rec *entity.OutboxRecord) {
	ctx = common.WithRequestID(ctx, rec.ID)
	log := d.logger.With("record_id", rec.ID, "job_id", rec.JobID, "attempt", rec.Attempts)

	ev, err := rec.Event()
	if err != nil {
		// Poison payload. Keep failing it so it lands in the dead-letter
		// state with the payload intact for inspection.
		log.Error("dispatcher.payload.malformed", "err", err)
		d.fail(ctx, rec, log)
		return
	}

	switch d.handler.Handle(ctx, ev) {
	case orchestrator.OutcomeRetry:
		d.fail(ctx, rec, log)
	default:
		if err := d.outbox.Ack(ctx, rec.ID, rec.LockToken); err != nil {
			if errors.Is(err, common.ErrLeaseExpired) {
				// Another claimer owns the record now; it will settle it.
				log.Debug("dispatcher.ack.lease_lost")
				return
			}
			log.Warn("dispatcher.ack.failed", "err", err)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, rec *entity.OutboxRecord, log *slog.Logger) {
	outcome, err := d.outbox.Fail(ctx, rec.ID, rec.LockToken, d.failDelay(rec.Attempts), d.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, common.ErrLeaseExpired) {
			log.Debug("dispatcher.fail.lease_lost")
			return
		}
		log.Warn("dispatcher.fail.error", "err", err)
		return
	}
	if outcome == repository.FailDeadLettered {
		metrics.DeadLettered.Inc()
		log.Error("dispatcher.record.dead_lettered", "max_attempts", d.cfg.MaxAttempts)
		return
	}
	log.Warn("dispatcher.record.requeued")
}

// failDelay derives the redelivery delay for a record on its Nth attempt.
func (d *Dispatcher) failDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.1
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = d.cfg.InitialBackoff
	}
	return delay
}
