package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const DefaultTable = "posttimes_produced"

type StoreConfig struct {
	Driver string
	// DSN is the postgres connection string.
	DSN string
	// Path is the database file for sqlite and the journal for file.
	Path string

	Table       string
	CreateTable bool
	// Query replaces the default insert. It takes the message id and the
	// completion time as its two parameters.
	Query string
}

// Open connects the configured store and starts its write transaction.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, cfg)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg)
	case "file":
		return OpenFile(cfg.Path)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
