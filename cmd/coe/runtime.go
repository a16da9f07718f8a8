package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"coe/internal/config"
	"coe/internal/logging"
	"coe/pkg/ticketstore"
)

// loadConfig resolves config and builds the stderr logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

// openStore opens the ticket store for a one-shot CLI command. The caller
// closes the returned db.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ticketstore.SQLiteStore, *sql.DB, error) {
	db, err := ticketstore.OpenDB(ctx, cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return ticketstore.New(db, ticketstore.Options{Path: cfg.Store.Path, Logger: logger}), db, nil
}
