package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/halyard-ai/halyard/internal/store"
)

// semanticRepo implements [store.SemanticIndex] on top of pgvector.
type semanticRepo struct {
	pool *pgxpool.Pool
}

func (r *semanticRepo) IndexInteraction(ctx context.Context, interactionID, sessionID, userID, content string, embedding []float32) error {
	const q = `
		INSERT INTO interaction_vectors (interaction_id, session_id, user_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (interaction_id)
		DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`

	_, err := r.pool.Exec(ctx, q, interactionID, sessionID, userID, content, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("semantic: index interaction: %w", err)
	}
	return nil
}

func (r *semanticRepo) Search(ctx context.Context, userID string, embedding []float32, k int) ([]store.MemoryHit, error) {
	if k <= 0 {
		k = 5
	}
	// <=> is cosine distance; smaller means more similar.
	const q = `
		SELECT interaction_id, session_id, content, embedding <=> $2 AS distance
		FROM   interaction_vectors
		WHERE  user_id = $1
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := r.pool.Query(ctx, q, userID, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	defer rows.Close()

	var out []store.MemoryHit
	for rows.Next() {
		var h store.MemoryHit
		if err := rows.Scan(&h.InteractionID, &h.SessionID, &h.Content, &h.Distance); err != nil {
			return nil, fmt.Errorf("semantic: scan: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
