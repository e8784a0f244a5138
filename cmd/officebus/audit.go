package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/officebus/internal/audit"
	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/storage"
)

var (
	auditActionID string
	auditActorID  string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recorded lifecycle events from the audit database",
	Long: `Print lifecycle records from the audit database as JSON lines, oldest first.
Reads the same storage backend the serve command writes to.

Examples:
  officebus audit --action-id 3f2c...
  officebus audit --actor-id ops --limit 20`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	auditCmd.Flags().StringVar(&auditActionID, "action-id", "", "only records for this action")
	auditCmd.Flags().StringVar(&auditActorID, "actor-id", "", "only records submitted by this actor")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of records")
}

func runAudit(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := loadConfig(goutils.Env("OFFICEBUS_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	records, err := store.Audit().History(ctx, storage.AuditFilter{
		ActionID: auditActionID,
		ActorID:  auditActorID,
		Limit:    auditLimit,
	})
	if err != nil {
		return fmt.Errorf("reading audit history: %w", err)
	}
	return writeRecords(os.Stdout, records)
}

// writeRecords prints one JSON object per line.
func writeRecords(w io.Writer, records []audit.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
