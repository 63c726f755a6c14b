package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/jackc/pgx/v5"
)

var deliveryColumns = []string{"message_id", "produced_at"}

// Postgres writes every batch of a run inside one transaction. Batches go
// through COPY unless a custom insert query is configured, in which case they
// are sent as one pipelined pgx.Batch.
type Postgres struct {
	conn  *pgx.Conn
	tx    pgx.Tx
	table pgx.Identifier
	query string
}

func OpenPostgres(ctx context.Context, cfg StoreConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	p := &Postgres{conn: conn, table: tableIdentifier(cfg.Table), query: positionalParams(cfg.Query)}
	if cfg.CreateTable {
		if _, err := conn.Exec(ctx, createTableSQL(p.table)); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("create table %s: %w", p.table.Sanitize(), err)
		}
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	p.tx = tx

	if p.query != "" {
		util.Info("Creating storage DB batch inserter with %s", p.query)
	} else {
		util.Info("Creating storage DB batch inserter with COPY into %s", p.table.Sanitize())
	}
	return p, nil
}

// tableIdentifier splits an optionally schema-qualified table name.
func tableIdentifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

// positionalParams rewrites %s placeholders to $1, $2, ... so queries written
// for format-style drivers run unchanged.
func positionalParams(query string) string {
	if !strings.Contains(query, "%s") {
		return query
	}
	var b strings.Builder
	n := 0
	for {
		i := strings.Index(query, "%s")
		if i < 0 {
			b.WriteString(query)
			return b.String()
		}
		n++
		b.WriteString(query[:i])
		b.WriteString("$" + strconv.Itoa(n))
		query = query[i+2:]
	}
}

func createTableSQL(table pgx.Identifier) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	message_id TEXT NOT NULL,
	produced_at TIMESTAMPTZ NOT NULL
)`, table.Sanitize())
}

func (p *Postgres) InsertBatch(ctx context.Context, recs []types.DeliveryRecord) error {
	if p.tx == nil {
		return errors.New("postgres transaction already finished")
	}
	if p.query == "" {
		n, err := p.tx.CopyFrom(ctx, p.table, deliveryColumns, pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			return []any{recs[i].MessageID, recs[i].CompletedAt}, nil
		}))
		if err != nil {
			return fmt.Errorf("copy into %s: %w", p.table.Sanitize(), err)
		}
		if int(n) != len(recs) {
			return fmt.Errorf("copy into %s: wrote %d of %d rows", p.table.Sanitize(), n, len(recs))
		}
		return nil
	}

	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(p.query, r.MessageID, r.CompletedAt)
	}
	br := p.tx.SendBatch(ctx, b)
	for range recs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch insert: %w", err)
		}
	}
	return br.Close()
}

func (p *Postgres) Commit(ctx context.Context) error {
	if p.tx == nil {
		return nil
	}
	err := p.tx.Commit(ctx)
	p.tx = nil
	return err
}

func (p *Postgres) Close() error {
	ctx := context.Background()
	if p.tx != nil {
		_ = p.tx.Rollback(ctx)
		p.tx = nil
	}
	return p.conn.Close(ctx)
}
