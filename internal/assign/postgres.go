package assign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is SQLSTATE lock_not_available.
const pgLockNotAvailable = "55P03"

const taskColumns = `
	task_id, exec_context_id, params, function_code, function_signed, output_code,
	worker_id, assigned_at, completed, completed_at, result_received,
	exec_state, console, created_at`

const eligiblePredicate = `
	t.worker_id IS NULL
	AND t.completed = FALSE
	AND ($1::boolean = FALSE OR t.function_signed = TRUE)
	AND COALESCE((SELECT c.state FROM dispatch_exec_contexts c
	              WHERE c.exec_context_id = t.exec_context_id), 'started') = 'started'`

// PostgresStore persists tasks in the dispatch_tasks table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool. The schema is
// applied by catalog.Open.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindNextEligible(ctx context.Context, _ string, verifiedOnly bool) (*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM dispatch_tasks t
		WHERE ` + eligiblePredicate + `
		ORDER BY t.created_at, t.task_id
		LIMIT 1`

	t, err := scanTask(s.pool.QueryRow(ctx, query, verifiedOnly))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible task: %w", err)
	}
	return t, nil
}

// AssignNext picks and assigns the oldest eligible task in one statement.
// Rows locked by a concurrent dispatcher are skipped.
func (s *PostgresStore) AssignNext(ctx context.Context, workerID string, verifiedOnly bool, now time.Time) (*Task, error) {
	query := `
		UPDATE dispatch_tasks
		SET worker_id = $2, assigned_at = $3
		WHERE task_id = (
			SELECT t.task_id FROM dispatch_tasks t
			WHERE ` + eligiblePredicate + `
			ORDER BY t.created_at, t.task_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	t, err := scanTask(s.pool.QueryRow(ctx, query, verifiedOnly, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if isLockConflict(err) {
		return nil, ErrLockConflict
	}
	if err != nil {
		return nil, fmt.Errorf("assign next task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) MarkAssigned(ctx context.Context, taskID int64, workerID string, now time.Time) error {
	query := `
		UPDATE dispatch_tasks
		SET worker_id = $2, assigned_at = $3
		WHERE task_id = $1 AND worker_id IS NULL
	`

	tag, err := s.pool.Exec(ctx, query, taskID, workerID, now)
	if isLockConflict(err) {
		return ErrLockConflict
	}
	if err != nil {
		return fmt.Errorf("mark assigned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Find(ctx, taskID); err != nil {
			return err
		}
		return ErrAlreadyAssigned
	}
	return nil
}

// MarkResultReceived fails with ErrLockConflict instead of waiting when
// another transaction holds the task row.
func (s *PostgresStore) MarkResultReceived(ctx context.Context, taskID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT task_id FROM dispatch_tasks WHERE task_id = $1 FOR UPDATE NOWAIT`, taskID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	if isLockConflict(err) {
		return ErrLockConflict
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE dispatch_tasks SET result_received = TRUE WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("mark result received: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, taskID int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM dispatch_tasks WHERE task_id = $1`

	t, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListByWorker(ctx context.Context, workerID string) ([]Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM dispatch_tasks
		WHERE worker_id = $1 AND result_received = FALSE
		ORDER BY task_id`

	rows, err := s.pool.Query(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreResult(ctx context.Context, workerID string, r Result, now time.Time) error {
	query := `
		UPDATE dispatch_tasks
		SET completed = TRUE, completed_at = $3, exec_state = $4, console = $5
		WHERE task_id = $1 AND worker_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, r.TaskID, workerID, now, r.State, r.Console)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Find(ctx, r.TaskID); err != nil {
			return err
		}
		return ErrTaskWasReset
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, taskID int64) error {
	query := `
		UPDATE dispatch_tasks
		SET worker_id = NULL, assigned_at = NULL, completed = FALSE, completed_at = NULL,
		    result_received = FALSE, exec_state = '', console = ''
		WHERE task_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t Task) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_exec_contexts (exec_context_id, state)
		VALUES ($1, 'started')
		ON CONFLICT (exec_context_id) DO NOTHING
	`, t.ExecContextID)
	if err != nil {
		return 0, fmt.Errorf("insert exec context: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO dispatch_tasks (exec_context_id, params, function_code, function_signed, output_code, seed_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (seed_key) WHERE seed_key IS NOT NULL DO NOTHING
		RETURNING task_id
	`, t.ExecContextID, t.Params, t.FunctionCode, t.FunctionSigned, t.OutputCode, t.SeedKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `SELECT task_id FROM dispatch_tasks WHERE seed_key = $1`, t.SeedKey).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SetExecContextState(ctx context.Context, execContextID int64, state string) error {
	query := `
		INSERT INTO dispatch_exec_contexts (exec_context_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (exec_context_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, execContextID, state); err != nil {
		return fmt.Errorf("upsert exec context: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExecContextStates(ctx context.Context, ids []int64) ([]ExecContextState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT exec_context_id, state FROM dispatch_exec_contexts WHERE exec_context_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select exec contexts: %w", err)
	}
	defer rows.Close()

	known := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan exec context: %w", err)
		}
		known[id] = state
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ExecContextState, 0, len(ids))
	for _, id := range ids {
		state, ok := known[id]
		if !ok {
			state = ExecContextUnknown
		}
		out = append(out, ExecContextState{ExecContextID: id, State: state})
	}
	return out, nil
}

// Close is a no-op; the pool belongs to the catalog.
func (s *PostgresStore) Close() error {
	return nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t           Task
		workerID    *string
		assignedAt  *time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&t.ID,
		&t.ExecContextID,
		&t.Params,
		&t.FunctionCode,
		&t.FunctionSigned,
		&t.OutputCode,
		&workerID,
		&assignedAt,
		&t.Completed,
		&completedAt,
		&t.ResultReceived,
		&t.ExecState,
		&t.Console,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if assignedAt != nil {
		t.AssignedAt = assignedAt.UTC()
	}
	if completedAt != nil {
		t.CompletedAt = completedAt.UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}
