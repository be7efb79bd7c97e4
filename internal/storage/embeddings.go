package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// GetEmbedding returns a cached embedding for text under modelName.
func (db *DB) GetEmbedding(ctx context.Context, modelName, text string) (pgvector.Vector, error) {
	var v pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT embedding FROM embedding_cache WHERE model = $1 AND content_hash = $2`,
		modelName, ContentHash(text),
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgvector.Vector{}, ErrNotFound
		}
		return pgvector.Vector{}, fmt.Errorf("storage: get embedding: %w", err)
	}
	return v, nil
}

// PutEmbedding stores an embedding, replacing any previous value.
func (db *DB) PutEmbedding(ctx context.Context, modelName, text string, v pgvector.Vector) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO embedding_cache (model, content_hash, embedding) VALUES ($1, $2, $3)
		 ON CONFLICT (model, content_hash) DO UPDATE SET embedding = EXCLUDED.embedding, created_at = now()`,
		modelName, ContentHash(text), v,
	); err != nil {
		return fmt.Errorf("storage: put embedding: %w", err)
	}
	return nil
}
