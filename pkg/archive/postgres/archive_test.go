package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/tarnv/persistdm/pkg/archive/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if PERSISTDM_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PERSISTDM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PERSISTDM_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive creates a fresh [postgres.Archive] with a clean table.
func newTestArchive(t *testing.T) *postgres.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, `DROP TABLE IF EXISTS memory_records`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	a, err := postgres.NewArchive(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func testRecord(id string, expl, window []float32) postgres.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return postgres.Record{
		ID:                   id,
		Type:                 "npc",
		Text:                 "Rinna is the blacksmith of Kelder",
		Explanation:          "Rinna's trade",
		Entities:             []string{"Rinna", "Kelder"},
		Confidence:           0.9,
		Source:               "ingest:test-job",
		ExplanationEmbedding: expl,
		WindowEmbedding:      window,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestMirrorAndSearch(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	// Record "near" is close to the query on its explanation embedding;
	// "window-hit" only via its window embedding; "far" on neither.
	records := []postgres.Record{
		testRecord("near", []float32{1, 0, 0, 0}, nil),
		testRecord("window-hit", []float32{0, 0, 1, 0}, []float32{0.9, 0.1, 0, 0}),
		testRecord("far", []float32{0, 1, 0, 0}, []float32{0, 0, 0, 1}),
	}
	for _, rec := range records {
		if err := a.Mirror(ctx, rec); err != nil {
			t.Fatalf("Mirror %s: %v", rec.ID, err)
		}
	}

	results, err := a.Search(ctx, []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Record.ID != "near" || results[1].Record.ID != "window-hit" || results[2].Record.ID != "far" {
		t.Fatalf("order: %s, %s, %s", results[0].Record.ID, results[1].Record.ID, results[2].Record.ID)
	}
	if results[0].Distance > 1e-6 {
		t.Errorf("exact match distance: %v", results[0].Distance)
	}
	if got := results[1].Record.Entities; len(got) != 2 || got[0] != "Rinna" {
		t.Errorf("entities round-trip: %v", got)
	}
}

func TestMirrorUpsertReplaces(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	rec := testRecord("r1", []float32{1, 0, 0, 0}, nil)
	if err := a.Mirror(ctx, rec); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	rec.Text = "updated text"
	rec.Confidence = 0.95
	if err := a.Mirror(ctx, rec); err != nil {
		t.Fatalf("Mirror again: %v", err)
	}

	n, err := a.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after upsert: got %d, want 1", n)
	}

	results, err := a.Search(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Record.Text != "updated text" || results[0].Record.Confidence != 0.95 {
		t.Errorf("record not replaced: %+v", results[0].Record)
	}
}

func TestDeleteSource(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	keep := testRecord("keep", []float32{1, 0, 0, 0}, nil)
	keep.Source = "session"
	drop := testRecord("drop", []float32{0, 1, 0, 0}, nil)

	for _, rec := range []postgres.Record{keep, drop} {
		if err := a.Mirror(ctx, rec); err != nil {
			t.Fatalf("Mirror: %v", err)
		}
	}

	removed, err := a.DeleteSource(ctx, "ingest:test-job")
	if err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	n, err := a.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}
}
