package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ryuqq/fileflow/constants"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
)

// FailOutcome reports what Fail did with a record.
type FailOutcome string

const (
	FailRequeued     FailOutcome = "requeued"
	FailDeadLettered FailOutcome = "dead_lettered"
)

// OutboxRepository is the durable event transport. Claims take a lease;
// records whose lease expired without Ack/Fail become claimable again.
type OutboxRepository interface {
	Enqueue(ctx context.Context, ev *entity.JobEvent, availableAt time.Time) (*entity.OutboxRecord, error)

	// Claim marks up to batchSize due records IN_FLIGHT under fresh lock
	// tokens and returns them. Each claim counts as a delivery attempt.
	Claim(ctx context.Context, batchSize int, lease time.Duration) ([]*entity.OutboxRecord, error)

	// Ack deletes the record. A stale token returns common.ErrLeaseExpired.
	Ack(ctx context.Context, recordID, lockToken string) error

	// Fail reschedules the record with the given delay, or dead-letters it
	// once attempts reached maxAttempts. A stale token returns
	// common.ErrLeaseExpired.
	Fail(ctx context.Context, recordID, lockToken string, delay time.Duration, maxAttempts int) (FailOutcome, error)

	// Requeue returns a dead-lettered record to PENDING with a reset
	// attempt count. Operator action only.
	Requeue(ctx context.Context, recordID string) error

	ListDeadLettered(ctx context.Context, limit int) ([]*entity.OutboxRecord, error)
	Depth(ctx context.Context) (int64, error)
}

type outboxRepo struct {
	store *Store
	log   *slog.Logger
}

func NewOutboxRepository(store *Store, log *slog.Logger) OutboxRepository {
	if log == nil {
		log = slog.Default()
	}
	return &outboxRepo{store: store, log: log}
}

var outboxColumns = []string{
	"id", "job_id", "payload", "status", "attempts",
	"lock_token", "locked_until", "available_at", "created_at", "updated_at",
}

func (r *outboxRepo) Enqueue(ctx context.Context, ev *entity.JobEvent, availableAt time.Time) (*entity.OutboxRecord, error) {
	payload, err := ev.Marshal()
	if err != nil {
		return nil, common.WrapError(err, "marshal event")
	}
	now := time.Now().UTC()
	rec := &entity.OutboxRecord{
		ID:          ulid.Make().String(),
		JobID:       ev.JobID,
		Payload:     payload,
		Status:      constants.OutboxPending,
		AvailableAt: availableAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = r.store.stbl.
		Insert("outbox_records").
		Columns(outboxColumns...).
		Values(
			rec.ID, rec.JobID.String(), string(rec.Payload), string(rec.Status),
			rec.Attempts, rec.LockToken, rec.LockedUntil, rec.AvailableAt,
			rec.CreatedAt, rec.UpdatedAt,
		).
		ExecContext(ctx)
	if err != nil {
		r.log.Error("outbox.enqueue.failed", "job_id", ev.JobID, "err", err)
		return nil, common.WrapError(err, "insert outbox record")
	}
	r.log.Debug("outbox.enqueue.ok", "record_id", rec.ID, "job_id", ev.JobID, "from_stage", ev.FromStage)
	return rec, nil
}

// dueFilter matches records ready for (re)claim: pending and due, or
// in-flight past their lease.
func dueFilter(now time.Time) sq.Sqlizer {
	return sq.Or{
		sq.And{
			sq.Eq{"status": string(constants.OutboxPending)},
			sq.LtOrEq{"available_at": now},
		},
		sq.And{
			sq.Eq{"status": string(constants.OutboxInFlight)},
			sq.Lt{"locked_until": now},
		},
	}
}

func (r *outboxRepo) Claim(ctx context.Context, batchSize int, lease time.Duration) ([]*entity.OutboxRecord, error) {
	now := time.Now().UTC()

	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, common.WrapError(err, "begin claim tx")
	}
	defer func() { _ = tx.Rollback() }()

	qb := sq.StatementBuilder.PlaceholderFormat(r.store.phf).
		Select(outboxColumns...).
		From("outbox_records").
		Where(dueFilter(now)).
		OrderBy("available_at", "id").
		Limit(uint64(batchSize))
	if suffix := r.store.forUpdate(); suffix != "" {
		qb = qb.Suffix(suffix)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, common.WrapError(err, "build claim query")
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.WrapError(err, "select due records")
	}
	candidates, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := now.Add(lease)
	var claimed []*entity.OutboxRecord
	for _, rec := range candidates {
		token := ulid.Make().String()
		query, args, err := sq.StatementBuilder.PlaceholderFormat(r.store.phf).
			Update("outbox_records").
			Set("status", string(constants.OutboxInFlight)).
			Set("lock_token", token).
			Set("locked_until", lockedUntil).
			Set("attempts", rec.Attempts+1).
			Set("updated_at", now).
			Where(sq.And{sq.Eq{"id": rec.ID}, dueFilter(now)}).
			ToSql()
		if err != nil {
			return nil, common.WrapError(err, "build claim update")
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, common.WrapError(err, "mark in-flight")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another claimer got there first.
			continue
		}
		rec.Status = constants.OutboxInFlight
		rec.LockToken = token
		rec.LockedUntil = &lockedUntil
		rec.Attempts++
		rec.UpdatedAt = now
		claimed = append(claimed, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, common.WrapError(err, "commit claim")
	}
	if len(claimed) > 0 {
		r.log.Debug("outbox.claim.ok", "count", len(claimed))
	}
	return claimed, nil
}

func (r *outboxRepo) Ack(ctx context.Context, recordID, lockToken string) error {
	res, err := r.store.stbl.
		Delete("outbox_records").
		Where(sq.Eq{
			"id":         recordID,
			"lock_token": lockToken,
			"status":     string(constants.OutboxInFlight),
		}).
		ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "ack record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn("outbox.ack.stale", "record_id", recordID)
		return common.ErrLeaseExpired
	}
	r.log.Debug("outbox.ack.ok", "record_id", recordID)
	return nil
}

func (r *outboxRepo) Fail(ctx context.Context, recordID, lockToken string, delay time.Duration, maxAttempts int) (FailOutcome, error) {
	now := time.Now().UTC()

	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", common.WrapError(err, "begin fail tx")
	}
	defer func() { _ = tx.Rollback() }()

	qb := sq.StatementBuilder.PlaceholderFormat(r.store.phf).
		Select(outboxColumns...).
		From("outbox_records").
		Where(sq.Eq{
			"id":         recordID,
			"lock_token": lockToken,
			"status":     string(constants.OutboxInFlight),
		})
	if suffix := r.store.forUpdate(); suffix != "" {
		qb = qb.Suffix(suffix)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return "", common.WrapError(err, "build fail query")
	}
	rec, err := scanOutboxRow(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			r.log.Warn("outbox.fail.stale", "record_id", recordID)
			return "", common.ErrLeaseExpired
		}
		return "", err
	}

	outcome := FailRequeued
	ub := sq.StatementBuilder.PlaceholderFormat(r.store.phf).
		Update("outbox_records").
		Set("lock_token", "").
		Set("locked_until", nil).
		Set("updated_at", now).
		Where(sq.Eq{"id": recordID, "lock_token": lockToken})
	if rec.Attempts >= maxAttempts {
		outcome = FailDeadLettered
		ub = ub.Set("status", string(constants.OutboxDeadLettered))
	} else {
		ub = ub.
			Set("status", string(constants.OutboxPending)).
			Set("available_at", now.Add(delay))
	}
	query, args, err = ub.ToSql()
	if err != nil {
		return "", common.WrapError(err, "build fail update")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", common.WrapError(err, "update failed record")
	}
	if err := tx.Commit(); err != nil {
		return "", common.WrapError(err, "commit fail")
	}

	if outcome == FailDeadLettered {
		r.log.Error("outbox.dead_lettered", "record_id", recordID, "job_id", rec.JobID, "attempts", rec.Attempts)
	} else {
		r.log.Debug("outbox.fail.requeued", "record_id", recordID, "attempts", rec.Attempts, "delay", delay)
	}
	return outcome, nil
}

func (r *outboxRepo) Requeue(ctx context.Context, recordID string) error {
	now := time.Now().UTC()
	res, err := r.store.stbl.
		Update("outbox_records").
		Set("status", string(constants.OutboxPending)).
		Set("attempts", 0).
		Set("lock_token", "").
		Set("locked_until", nil).
		Set("available_at", now).
		Set("updated_at", now).
		Where(sq.Eq{
			"id":     recordID,
			"status": string(constants.OutboxDeadLettered),
		}).
		ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "requeue record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	r.log.Info("outbox.requeue.ok", "record_id", recordID)
	return nil
}

func (r *outboxRepo) ListDeadLettered(ctx context.Context, limit int) ([]*entity.OutboxRecord, error) {
	rows, err := r.store.stbl.
		Select(outboxColumns...).
		From("outbox_records").
		Where(sq.Eq{"status": string(constants.OutboxDeadLettered)}).
		OrderBy("updated_at").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "list dead-lettered")
	}
	return scanOutboxRows(rows)
}

func (r *outboxRepo) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.store.stbl.
		Select("COUNT(*)").
		From("outbox_records").
		Where(sq.Eq{"status": string(constants.OutboxPending)}).
		QueryRowContext(ctx).
		Scan(&depth)
	if err != nil {
		return 0, common.WrapError(err, "count pending")
	}
	return depth, nil
}

func scanOutboxRow(row rowScanner) (*entity.OutboxRecord, error) {
	var (
		rec         entity.OutboxRecord
		jobID       string
		payload     string
		status      string
		lockedUntil sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &jobID, &payload, &status, &rec.Attempts,
		&rec.LockToken, &lockedUntil, &rec.AvailableAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "scan outbox record")
	}
	if rec.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, common.WrapError(err, "parse job id")
	}
	rec.Payload = json.RawMessage(payload)
	rec.Status = constants.OutboxStatus(status)
	if lockedUntil.Valid {
		t := lockedUntil.Time
		rec.LockedUntil = &t
	}
	return &rec, nil
}

func scanOutboxRows(rows *sql.Rows) ([]*entity.OutboxRecord, error) {
	defer rows.Close()
	var out []*entity.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(err, "iterate outbox rows")
	}
	return out, nil
}
