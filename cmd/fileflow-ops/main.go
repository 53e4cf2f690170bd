package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/repository"
)

// fileflow-ops is the operator's side door: inspect jobs, drain or replay
// the dead-letter queue, and manage grants and tenant settings.

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "fileflow-ops",
		Short:         "Operational tooling for the fileflow pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(dlqCmd(logger), jobsCmd(logger), grantsCmd(logger), settingsCmd(logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, logger *slog.Logger) (*repository.Store, error) {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var store *repository.Store
	var err error
	if cfg.Database.Driver == "sqlite" {
		store, err = repository.OpenSQLite(cfg.Database.DSN, logger)
	} else {
		store, err = repository.Open(ctx, cfg.Database, logger)
	}
	if err != nil {
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func dlqCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered outbox records",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			recs, err := repository.NewOutboxRepository(store, logger).ListDeadLettered(ctx, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for _, rec := range recs {
				fmt.Printf("%s  job=%s  attempts=%d  updated=%s\n",
					rec.ID, rec.JobID, rec.Attempts, rec.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum records to list")

	requeue := &cobra.Command{
		Use:   "requeue <record-id>",
		Short: "Return a dead-lettered record to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := repository.NewOutboxRepository(store, logger).Requeue(ctx, args[0]); err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Println("requeued", args[0])
			return nil
		},
	}

	var exportLimit int
	export := &cobra.Command{
		Use:   "export <file.xlsx>",
		Short: "Export dead-lettered records to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			recs, err := repository.NewOutboxRepository(store, logger).ListDeadLettered(ctx, exportLimit)
			if err != nil {
				return err
			}
			if err := writeDLQWorkbook(args[0], recs); err != nil {
				return err
			}
			fmt.Printf("wrote %d records to %s\n", len(recs), args[0])
			return nil
		},
	}
	export.Flags().IntVar(&exportLimit, "limit", 1000, "maximum records to export")

	cmd.AddCommand(list, requeue, export)
	return cmd
}

func writeDLQWorkbook(path string, recs []*entity.OutboxRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "DeadLetters"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	headers := []string{"Record ID", "Job ID", "Attempts", "Available At", "Updated At", "Payload"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for row, rec := range recs {
		values := []any{
			rec.ID,
			rec.JobID.String(),
			rec.Attempts,
			rec.AvailableAt.Format(time.RFC3339),
			rec.UpdatedAt.Format(time.RFC3339),
			string(rec.Payload),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

func jobsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control processing jobs",
	}

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			job, err := repository.NewJobRepository(store, logger).Get(ctx, jobID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation; honored at the next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := repository.NewJobRepository(store, logger).RequestCancel(ctx, jobID); err != nil {
				return err
			}
			fmt.Println("cancellation requested for", jobID)
			return nil
		},
	}

	cmd.AddCommand(show, cancel)
	return cmd
}

func grantsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Manage actor permission grants",
	}

	var role string
	var perms []string
	set := &cobra.Command{
		Use:   "set <tenant-id> <actor-id>",
		Short: "Create or replace an actor's grant set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			grant := &entity.GrantSet{
				TenantID:    args[0],
				ActorID:     args[1],
				Role:        role,
				Permissions: perms,
			}
			if err := repository.NewGrantRepository(store, logger).Put(ctx, grant); err != nil {
				return err
			}
			fmt.Printf("grant stored for %s/%s\n", args[0], args[1])
			return nil
		},
	}
	set.Flags().StringVar(&role, "role", "uploader", "actor role")
	set.Flags().StringSliceVar(&perms, "perm", []string{"file:upload"}, "granted permissions (repeatable)")

	cmd.AddCommand(set)
	return cmd
}

func settingsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage per-tenant processing settings",
	}

	var contentTypes []string
	var maxSize string
	var ocrEnabled bool
	set := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Create or replace a tenant's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sizeBytes int64
			if maxSize != "" {
				n, err := strconv.ParseInt(maxSize, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --max-size %q: %w", maxSize, err)
				}
				sizeBytes = n
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			settings := &entity.TenantSettings{
				TenantID:            args[0],
				AllowedContentTypes: contentTypes,
				MaxSizeBytes:        sizeBytes,
				OCREnabled:          ocrEnabled,
			}
			if err := repository.NewSettingsRepository(store, logger).Put(ctx, settings); err != nil {
				return err
			}
			fmt.Println("settings stored for", args[0])
			return nil
		},
	}
	set.Flags().StringSliceVar(&contentTypes, "content-type", nil, "allowed content types (empty allows all)")
	set.Flags().StringVar(&maxSize, "max-size", "", "maximum upload size in bytes (empty = unlimited)")
	set.Flags().BoolVar(&ocrEnabled, "ocr", true, "run OCR for this tenant")

	cmd.AddCommand(set)
	return cmd
}
