package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ryuqq/fileflow/internal/common"
)

// Store bundles the DB handle with a dialect-aware statement builder.
type Store struct {
	DB     *sql.DB
	stbl   sq.StatementBuilderType
	phf    sq.PlaceholderFormat
	driver string
	logger *slog.Logger
}

// Open connects to Postgres through a pgx pool wrapped as *sql.DB.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", "postgres")

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, common.WrapError(err, "parse dsn")
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "fileflow"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, common.WrapError(err, "connect")
	}

	db := stdlib.OpenDBFromPool(pool)
	return &Store{
		DB:     db,
		stbl:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		phf:    sq.Dollar,
		driver: "postgres",
		logger: logger,
	}, nil
}

// OpenSQLite opens an embedded SQLite store, defaulting WAL journaling and
// a busy timeout when the DSN does not set them.
func OpenSQLite(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn, err := prepareSQLiteDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, common.WrapError(err, "open sqlite")
	}
	return &Store{
		DB:     db,
		stbl:   sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(db),
		phf:    sq.Question,
		driver: "sqlite",
		logger: logger,
	}, nil
}

func prepareSQLiteDSN(dsn string) (string, error) {
	query := url.Values{}
	var err error
	if i := strings.Index(dsn, "?"); i != -1 {
		query, err = url.ParseQuery(dsn[i+1:])
		if err != nil {
			return dsn, fmt.Errorf("parse sqlite dsn: %w", err)
		}
		dsn = dsn[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}
	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}
	return dsn + "?" + query.Encode(), nil
}

// forUpdate returns the row-locking suffix for claim queries, empty where
// the engine serializes writes itself.
func (s *Store) forUpdate() string {
	if s.driver == "postgres" {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	s.logger.Info("closing database")
	return s.DB.Close()
}

// HealthCheck pings the store to catch DSN issues early.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS processing_jobs (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		version BIGINT NOT NULL,
		attempts TEXT NOT NULL,
		source_key TEXT NOT NULL,
		output_key TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		ocr_text TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_file ON processing_jobs (file_id)`,
	`CREATE TABLE IF NOT EXISTS outbox_records (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_token TEXT NOT NULL DEFAULT '',
		locked_until TIMESTAMP,
		available_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_records (status, available_at)`,
	`CREATE TABLE IF NOT EXISTS grants (
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, actor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_assets (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		source_key TEXT NOT NULL,
		output_key TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		ocr_text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

// Bootstrap creates the tables if absent. Real deployments manage schema
// externally; this keeps dev and tests self-contained.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return common.WrapError(err, "bootstrap schema")
		}
	}
	s.logger.Debug("schema bootstrap complete")
	return nil
}
