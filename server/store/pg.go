package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id      TEXT PRIMARY KEY,
	content TEXT NOT NULL
)`

// PGStore persists snapshots in PostgreSQL through a pgx pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the database and ensures the documents table.
func NewPGStore(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Load returns the stored text or ErrNotFound.
func (p *PGStore) Load(ctx context.Context, id string) (string, error) {
	var text string
	err := p.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE id = $1`, id).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: load %q: %w", id, err)
	}
	return text, nil
}

// Save upserts the snapshot for id.
func (p *PGStore) Save(ctx context.Context, id, text string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, content) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content`, id, text)
	if err != nil {
		return fmt.Errorf("store: save %q: %w", id, err)
	}
	return nil
}

// Close releases the pool.
func (p *PGStore) Close() error {
	p.pool.Close()
	return nil
}
