package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists worker records in the dispatch_workers table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool. The schema is
// applied by catalog.Open.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO dispatch_workers (worker_id, session_id, session_created_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		rec.WorkerID,
		rec.Session.ID,
		rec.Session.CreatedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, workerID string) (*Record, error) {
	query := `
		SELECT worker_id, session_id, session_created_at, status, created_at
		FROM dispatch_workers
		WHERE worker_id = $1
	`

	var rec Record
	err := s.pool.QueryRow(ctx, query, workerID).Scan(
		&rec.WorkerID,
		&rec.Session.ID,
		&rec.Session.CreatedAt,
		&rec.Status,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select worker: %w", err)
	}

	rec.Session.CreatedAt = truncate(rec.Session.CreatedAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// CompareAndSwapSession updates the row only when both the session id and
// its timestamp still match old.
func (s *PostgresStore) CompareAndSwapSession(ctx context.Context, workerID string, old, next Session) (bool, error) {
	query := `
		UPDATE dispatch_workers
		SET session_id = $4, session_created_at = $5, updated_at = NOW()
		WHERE worker_id = $1 AND session_id = $2 AND session_created_at = $3
	`

	tag, err := s.pool.Exec(ctx, query, workerID, old.ID, old.CreatedAt, next.ID, next.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("swap session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveStatus(ctx context.Context, workerID string, status []byte) error {
	query := `
		UPDATE dispatch_workers
		SET status = $2, updated_at = NOW()
		WHERE worker_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, workerID, status)
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the pool belongs to the catalog.
func (s *PostgresStore) Close() error {
	return nil
}
