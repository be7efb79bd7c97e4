package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// GetEmbedding returns a cached embedding. Vectors are stored in pgvector's
// text form ("[1,2,3]").
func (s *Store) GetEmbedding(ctx context.Context, modelName, text string) (pgvector.Vector, error) {
	var v pgvector.Vector
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE model = ? AND content_hash = ?`,
		modelName, storage.ContentHash(text),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return pgvector.Vector{}, storage.ErrNotFound
	}
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("sqlite: get embedding: %w", err)
	}
	return v, nil
}

// PutEmbedding stores an embedding, replacing any previous value.
func (s *Store) PutEmbedding(ctx context.Context, modelName, text string, v pgvector.Vector) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (model, content_hash, embedding, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (model, content_hash) DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`,
		modelName, storage.ContentHash(text), v, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: put embedding: %w", err)
	}
	return nil
}
