package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Record is one archived memory record. The field set mirrors the in-memory
// record; both embeddings travel with it so the archive can answer blended
// similarity queries on its own.
type Record struct {
	ID                   string
	Type                 string
	Text                 string
	Explanation          string
	Entities             []string
	Confidence           float64
	Source               string
	ExplanationEmbedding []float32
	WindowEmbedding      []float32
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Result pairs an archived record with its cosine distance to a query vector.
// Distance is the smaller of the two embedding distances (most similar wins).
type Result struct {
	Record   Record
	Distance float64
}

// Archive is the pgvector-backed mirror store. Obtain one via [NewArchive].
// All methods are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate].
func NewArchive(ctx context.Context, dsn string, embeddingDimensions int) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Mirror upserts one record. A record mirrored twice (same id) is completely
// replaced, so re-running an ingest or re-loading a shard converges.
func (a *Archive) Mirror(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO memory_records
		    (id, type, text, explanation, entities, confidence, source,
		     explanation_embedding, window_embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    type                  = EXCLUDED.type,
		    text                  = EXCLUDED.text,
		    explanation           = EXCLUDED.explanation,
		    entities              = EXCLUDED.entities,
		    confidence            = EXCLUDED.confidence,
		    source                = EXCLUDED.source,
		    explanation_embedding = EXCLUDED.explanation_embedding,
		    window_embedding      = EXCLUDED.window_embedding,
		    updated_at            = EXCLUDED.updated_at`

	entities := rec.Entities
	if entities == nil {
		entities = []string{}
	}
	_, err := a.pool.Exec(ctx, q,
		rec.ID,
		rec.Type,
		rec.Text,
		rec.Explanation,
		entities,
		rec.Confidence,
		rec.Source,
		nullableVector(rec.ExplanationEmbedding),
		nullableVector(rec.WindowEmbedding),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: mirror record: %w", err)
	}
	return nil
}

// Search returns the topK records closest to embedding. A record's distance is
// the smaller of its two embedding distances; records whose window embedding
// is absent fall back to the explanation distance alone. Results are ordered
// most similar first.
func (a *Archive) Search(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	const q = `
		SELECT id, type, text, explanation, entities, confidence, source,
		       explanation_embedding, window_embedding, created_at, updated_at,
		       LEAST(explanation_embedding <=> $1,
		             COALESCE(window_embedding <=> $1, explanation_embedding <=> $1)) AS distance
		FROM   memory_records
		WHERE  explanation_embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r         Result
			explVec   pgvector.Vector
			windowVec *pgvector.Vector
		)
		if err := row.Scan(
			&r.Record.ID,
			&r.Record.Type,
			&r.Record.Text,
			&r.Record.Explanation,
			&r.Record.Entities,
			&r.Record.Confidence,
			&r.Record.Source,
			&explVec,
			&windowVec,
			&r.Record.CreatedAt,
			&r.Record.UpdatedAt,
			&r.Distance,
		); err != nil {
			return Result{}, err
		}
		r.Record.ExplanationEmbedding = explVec.Slice()
		if windowVec != nil {
			r.Record.WindowEmbedding = windowVec.Slice()
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// DeleteSource removes every record mirrored from a given source (for example
// "ingest:<job-id>" or a deleted shard's name). Returns the rows removed.
func (a *Archive) DeleteSource(ctx context.Context, source string) (int64, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM memory_records WHERE source = $1`, source)
	if err != nil {
		return 0, fmt.Errorf("archive: delete source: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of archived records.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `SELECT count(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Ping verifies database connectivity, for readiness probes.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// nullableVector maps an absent embedding to SQL NULL instead of a
// zero-dimensional vector.
func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}
