package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL for deployments where several
// controller processes share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOption adjusts the pool configuration before connecting.
type PostgresOption func(*pgxpool.Config)

// WithPassword sets the connection password when the URL carries none.
func WithPassword(password string) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if cfg.ConnConfig.Password == "" {
			cfg.ConnConfig.Password = password
		}
	}
}

// WithMaxConns bounds the pool size.
func WithMaxConns(n int32) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if n > 0 {
			cfg.MaxConns = n
		}
	}
}

// NewPostgresStore connects to databaseURL, pings it and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The caller runs EnsureSchema.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id        BIGSERIAL PRIMARY KEY,
			workspace_id   TEXT NOT NULL,
			description    TEXT NOT NULL,
			status         TEXT NOT NULL CHECK (status IN ('open', 'in_progress')),
			creator_id     TEXT NOT NULL,
			assignee_id    TEXT,
			open_ref       TEXT UNIQUE,
			inprogress_ref TEXT UNIQUE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (status = 'in_progress' OR (assignee_id IS NULL AND inprogress_ref IS NULL)),
			CHECK (status = 'open' OR assignee_id IS NOT NULL)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_workspace_status ON tasks(workspace_id, status)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workspace_routes (
			workspace_id       TEXT PRIMARY KEY,
			open_channel       TEXT,
			inprogress_channel TEXT,
			completed_channel  TEXT
		)`)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// mapPgErr turns unique violations into ErrConflict and everything else
// into a storage error.
func mapPgErr(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return storageErr(err, op)
}

func scanPgTask(row pgx.Row) (*Task, error) {
	var (
		t                          Task
		status                     string
		assignee, openRef, progRef *string
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Description, &status, &t.CreatorID,
		&assignee, &openRef, &progRef, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if assignee != nil {
		t.AssigneeID = *assignee
	}
	if openRef != nil {
		t.OpenRef = MessageRef(*openRef)
	}
	if progRef != nil {
		t.InProgressRef = MessageRef(*progRef)
	}
	return &t, nil
}

// CreateTask inserts an open task.
func (s *PostgresStore) CreateTask(ctx context.Context, workspaceID, description, creatorID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (workspace_id, description, status, creator_id, created_at)
		VALUES ($1, $2, 'open', $3, $4)
		RETURNING task_id`,
		workspaceID, description, creatorID, time.Now().UTC().Truncate(time.Microsecond)).Scan(&id)
	if err != nil {
		return 0, storageErr(err, "create task")
	}
	return id, nil
}

// Get returns the task with id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Task, error) {
	return s.getWith(ctx, s.pool, id)
}

func (s *PostgresStore) getWith(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id int64) (*Task, error) {
	t, err := scanPgTask(q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get task")
	}
	return t, nil
}

// GetByMessageRef returns the task holding ref.
func (s *PostgresStore) GetByMessageRef(ctx context.Context, ref MessageRef) (*Task, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	t, err := scanPgTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE open_ref = $1 OR inprogress_ref = $1`, string(ref)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get task by message")
	}
	return t, nil
}

// ListByStatus returns the workspace's tasks in status.
func (s *PostgresStore) ListByStatus(ctx context.Context, workspaceID string, status Status) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workspace_id = $1 AND status = $2 ORDER BY task_id`,
		workspaceID, string(status))
	if err != nil {
		return nil, storageErr(err, "list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, storageErr(err, "scan task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list tasks")
	}
	return tasks, nil
}

// SetMessageRef records ref in slot. The cross-column check and the write
// run under a transaction-scoped advisory lock keyed on the ref, so two
// writers of the same ref into different columns cannot both pass the check.
func (s *PostgresStore) SetMessageRef(ctx context.Context, id int64, slot Slot, ref MessageRef) (bool, error) {
	if err := checkRefWrite(slot); err != nil {
		return false, err
	}
	col := refColumns[slot]
	other := refColumns[slot.Other()]

	if ref == "" {
		tag, err := s.pool.Exec(ctx, `UPDATE tasks SET `+col+` = NULL WHERE task_id = $1`, id)
		if err != nil {
			return false, storageErr(err, "clear message ref")
		}
		return tag.RowsAffected() == 1, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, storageErr(err, "set message ref")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(ref)); err != nil {
		return false, storageErr(err, "lock message ref")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET `+col+` = $1
		WHERE task_id = $2 AND status = $3
		  AND (`+other+` IS NULL OR `+other+` <> $1)
		  AND NOT EXISTS (
			SELECT 1 FROM tasks AS t2
			WHERE t2.task_id <> $2 AND (t2.open_ref = $1 OR t2.inprogress_ref = $1))`,
		string(ref), id, string(statusFor(slot)))
	if err != nil {
		return false, mapPgErr(err, "set message ref")
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return false, mapPgErr(err, "commit message ref")
		}
		return true, nil
	}

	t, err := s.getWith(ctx, tx, id)
	return refWritable(t, err, slot)
}

// Claim moves an open task to in_progress.
func (s *PostgresStore) Claim(ctx context.Context, id int64, assigneeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'in_progress', assignee_id = $1 WHERE task_id = $2 AND status = 'open'`,
		assigneeID, id)
	if err != nil {
		return false, storageErr(err, "claim task")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteIfInProgress removes the task only while it is in_progress.
func (s *PostgresStore) DeleteIfInProgress(ctx context.Context, id int64) (bool, error) {
	return s.deleteWhere(ctx, "complete task", `DELETE FROM tasks WHERE task_id = $1 AND status = 'in_progress'`, id)
}

// Delete removes the task in any status.
func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	return s.deleteWhere(ctx, "delete task", `DELETE FROM tasks WHERE task_id = $1`, id)
}

// RemoveByMessageRef removes the task holding ref.
func (s *PostgresStore) RemoveByMessageRef(ctx context.Context, ref MessageRef) (bool, error) {
	if ref == "" {
		return false, nil
	}
	return s.deleteWhere(ctx, "remove task by message",
		`DELETE FROM tasks WHERE open_ref = $1 OR inprogress_ref = $1`, string(ref))
}

func (s *PostgresStore) deleteWhere(ctx context.Context, op, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, storageErr(err, op)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveAll removes every task of the workspace.
func (s *PostgresStore) RemoveAll(ctx context.Context, workspaceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return 0, storageErr(err, "remove workspace tasks")
	}
	return int(tag.RowsAffected()), nil
}

// SetRoute binds slot to channelID.
func (s *PostgresStore) SetRoute(ctx context.Context, workspaceID string, slot Slot, channelID string) error {
	col, ok := routeColumns[slot]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_routes (workspace_id, `+col+`) VALUES ($1, $2)
		ON CONFLICT (workspace_id) DO UPDATE SET `+col+` = EXCLUDED.`+col,
		workspaceID, channelID)
	if err != nil {
		return storageErr(err, "set route")
	}
	return nil
}

// GetRoutes returns the workspace's routes.
func (s *PostgresStore) GetRoutes(ctx context.Context, workspaceID string) (*Routes, error) {
	var open, prog, done *string
	err := s.pool.QueryRow(ctx,
		`SELECT open_channel, inprogress_channel, completed_channel FROM workspace_routes WHERE workspace_id = $1`,
		workspaceID).Scan(&open, &prog, &done)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get routes")
	}
	r := &Routes{WorkspaceID: workspaceID}
	if open != nil {
		r.Open = *open
	}
	if prog != nil {
		r.InProgress = *prog
	}
	if done != nil {
		r.Completed = *done
	}
	return r, nil
}

// DeleteRoutes removes the workspace's route row.
func (s *PostgresStore) DeleteRoutes(ctx context.Context, workspaceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workspace_routes WHERE workspace_id = $1`, workspaceID); err != nil {
		return storageErr(err, "delete routes")
	}
	return nil
}
