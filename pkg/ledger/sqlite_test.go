package ledger_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/posttimes/pkg/ledger"
	"github.com/downfa11-org/posttimes/pkg/types"
)

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestSQLiteStoreCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	store, err := ledger.Open(ctx, ledger.StoreConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l := ledger.NewBatchLedger(store, 4)
	for i := 0; i < 10; i++ {
		if err := l.Add(ctx, types.NewDeliveryRecord(fmt.Sprintf("m%d", i), time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, path, ledger.DefaultTable); n != 10 {
		t.Fatalf("expected 10 rows, got %d", n)
	}
}

func TestSQLiteStoreRollbackWithoutCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	store, err := ledger.OpenSQLite(ctx, ledger.StoreConfig{Path: path, Table: "runs"})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.InsertBatch(ctx, []types.DeliveryRecord{types.NewDeliveryRecord("m1", time.Now())}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, path, "runs"); n != 0 {
		t.Fatalf("uncommitted rows visible: %d", n)
	}
}

func TestSQLiteStoreCustomQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	store, err := ledger.OpenSQLite(ctx, ledger.StoreConfig{
		Path:  path,
		Table: "produced",
		Query: `INSERT INTO "produced"(message_id, produced_at) VALUES(upper(?), ?)`,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = store.InsertBatch(ctx, []types.DeliveryRecord{types.NewDeliveryRecord("abc", time.Now())})
	if err := store.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var id string
	if err := db.QueryRow(`SELECT message_id FROM produced`).Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != "ABC" {
		t.Fatalf("custom query not used, got %q", id)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := ledger.OpenSQLite(context.Background(), ledger.StoreConfig{}); err == nil {
		t.Fatal("expected error without path")
	}
}
