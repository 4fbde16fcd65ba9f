// Package postgres provides an optional PostgreSQL mirror of committed memory
// records, using pgvector columns for both embeddings of each record.
//
// The archive is write-behind: the in-memory world remains the source of
// truth, and a failed mirror write must never fail the in-memory commit.
// Callers log mirror errors and move on.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlRecords returns the archive DDL with the embedding dimension substituted.
// The vector dimension is baked into the column types at schema creation time.
func ddlRecords(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_records (
    id                    TEXT         PRIMARY KEY,
    type                  TEXT         NOT NULL,
    text                  TEXT         NOT NULL,
    explanation           TEXT         NOT NULL DEFAULT '',
    entities              TEXT[]       NOT NULL DEFAULT '{}',
    confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
    source                TEXT         NOT NULL DEFAULT '',
    explanation_embedding vector(%d),
    window_embedding      vector(%d),
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_records_type
    ON memory_records (type);

CREATE INDEX IF NOT EXISTS idx_memory_records_source
    ON memory_records (source);

CREATE INDEX IF NOT EXISTS idx_memory_records_explanation_embedding
    ON memory_records USING hnsw (explanation_embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memory_records_window_embedding
    ON memory_records USING hnsw (window_embedding vector_cosine_ops);
`, embeddingDimensions, embeddingDimensions)
}

// Migrate creates or ensures the archive table, indexes and the pgvector
// extension exist. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the embedding model in use (e.g., 1536 for
// OpenAI text-embedding-3-small, 768 for nomic-embed-text). Changing it after
// the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlRecords(embeddingDimensions)); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}
