package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite keeps a run's inserts in one transaction on a single connection.
// Timestamps are stored as RFC3339Nano UTC text.
type SQLite struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

func OpenSQLite(ctx context.Context, cfg StoreConfig) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db}
	table := quoteIdent(cfg.Table)
	if err := s.migrate(ctx, cfg.Table); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}

	query := cfg.Query
	if query == "" {
		query = fmt.Sprintf("INSERT INTO %s(message_id, produced_at) VALUES(?, ?)", table)
	}
	if s.tx, err = db.BeginTx(ctx, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.stmt, err = s.tx.PrepareContext(ctx, query); err != nil {
		_ = s.tx.Rollback()
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context, table string) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	ddl := strings.NewReplacer(
		"{{table}}", quoteIdent(table),
		"{{index}}", quoteIdent(table+"_produced_at_idx"),
	).Replace(string(b))
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLite) InsertBatch(ctx context.Context, recs []types.DeliveryRecord) error {
	if s.tx == nil {
		return errors.New("sqlite transaction already finished")
	}
	for _, r := range recs {
		if _, err := s.stmt.ExecContext(ctx, r.MessageID, r.CompletedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert %s: %w", r.MessageID, err)
		}
	}
	return nil
}

func (s *SQLite) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	_ = s.stmt.Close()
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *SQLite) Close() error {
	if s.tx != nil {
		_ = s.stmt.Close()
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}
