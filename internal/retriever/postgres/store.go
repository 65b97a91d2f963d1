package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/knoguchi/ragpipe/internal/retriever"
)

// Store implements retriever.Retriever on a chunks table.
type Store struct {
	db *DB
}

// NewStore creates a chunk store on the given pool.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Setup provisions the schema. Every statement is IF NOT EXISTS so repeated
// calls are no-ops; only the vector dimension is baked in at creation time.
func (s *Store) Setup(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
  id          TEXT PRIMARY KEY,
  content     TEXT NOT NULL,
  embedding   vector(%d),
  metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
  content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', coalesce(content, ''))) STORED
);

CREATE INDEX IF NOT EXISTS chunks_content_tsv_gin
  ON chunks USING GIN (content_tsv);

CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE INDEX IF NOT EXISTS chunks_dataset_idx
  ON chunks ((metadata->>'dataset'));
`
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return fmt.Errorf("failed to set up chunk store: %w", err)
	}
	return nil
}

// HasData reports whether any chunk row exists.
func (s *Store) HasData(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chunks)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for data: %w", err)
	}
	return exists, nil
}

// Add upserts chunks by id inside one transaction. Identical ids are no-ops
// (the content hash guarantees identical text), and a storage failure rolls
// the whole batch back.
func (s *Store) Add(ctx context.Context, chunks []retriever.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (id, content, embedding, metadata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, chunk.ID, chunk.Content, pgvector.NewVector(chunk.Embedding), metadataJSON)
	}

	results := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// GetRelevant runs the dense and lexical candidate queries, each capped at k,
// and fuses them with reciprocal-rank fusion. Both queries report the cosine
// distance to the query vector so every candidate carries one.
func (s *Store) GetRelevant(ctx context.Context, query string, queryVec []float32, datasets []string, k int) ([]retriever.Document, error) {
	vec := pgvector.NewVector(queryVec)

	denseQuery := `
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM chunks
	`
	denseArgs := []any{vec}
	if len(datasets) > 0 {
		denseQuery += ` WHERE metadata->>'dataset' = ANY($2)`
		denseArgs = append(denseArgs, datasets)
	}
	denseQuery += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT $%d`, len(denseArgs)+1)
	denseArgs = append(denseArgs, k)

	dense, err := s.queryDocuments(ctx, denseQuery, denseArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to run dense query: %w", err)
	}

	lexicalQuery := `
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM chunks
		WHERE content_tsv @@ plainto_tsquery('english', $2)
	`
	lexicalArgs := []any{vec, query}
	if len(datasets) > 0 {
		lexicalQuery += ` AND metadata->>'dataset' = ANY($3)`
		lexicalArgs = append(lexicalArgs, datasets)
	}
	lexicalQuery += fmt.Sprintf(` ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC LIMIT $%d`, len(lexicalArgs)+1)
	lexicalArgs = append(lexicalArgs, k)

	lexical, err := s.queryDocuments(ctx, lexicalQuery, lexicalArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical query: %w", err)
	}

	return retriever.Fuse(dense, lexical, k), nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]retriever.Document, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []retriever.Document
	for rows.Next() {
		var doc retriever.Document
		var metadataJSON []byte
		var distance float64
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		doc.Metadata = make(map[string]any)
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		doc.Metadata["distance"] = distance
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetAllDocumentNames returns the distinct source paths across all chunks.
func (s *Store) GetAllDocumentNames(ctx context.Context) ([]string, error) {
	return s.distinctMetadata(ctx, "source")
}

// GetDatasets returns the distinct dataset values.
func (s *Store) GetDatasets(ctx context.Context) ([]string, error) {
	return s.distinctMetadata(ctx, "dataset")
}

func (s *Store) distinctMetadata(ctx context.Context, key string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT metadata->>'%s'
		FROM chunks
		WHERE metadata->>'%s' IS NOT NULL
		ORDER BY 1
	`, key, key)
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s values: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s value: %w", key, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Delete removes all chunks whose source path matches and reports the count.
func (s *Store) Delete(ctx context.Context, sourcePaths []string) (int, error) {
	if len(sourcePaths) == 0 {
		return 0, nil
	}
	result, err := s.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE metadata->>'source' = ANY($1)`, sourcePaths)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Ensure Store implements the interface.
var _ retriever.Retriever = (*Store)(nil)
