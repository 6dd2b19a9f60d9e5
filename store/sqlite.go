package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	taskerr "github.com/vinayprograms/taskboard/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id   TEXT NOT NULL,
	description    TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('open', 'in_progress')),
	creator_id     TEXT NOT NULL,
	assignee_id    TEXT,
	open_ref       TEXT UNIQUE,
	inprogress_ref TEXT UNIQUE,
	created_at     TIMESTAMP NOT NULL,
	CHECK (status = 'in_progress' OR (assignee_id IS NULL AND inprogress_ref IS NULL)),
	CHECK (status = 'open' OR assignee_id IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace_status ON tasks(workspace_id, status);

CREATE TABLE IF NOT EXISTS workspace_routes (
	workspace_id       TEXT PRIMARY KEY,
	open_channel       TEXT,
	inprogress_channel TEXT,
	completed_channel  TEXT
);
`

// refColumns maps reference slots to their columns.
var refColumns = map[Slot]string{
	SlotOpen:       "open_ref",
	SlotInProgress: "inprogress_ref",
}

// routeColumns maps route slots to their columns.
var routeColumns = map[Slot]string{
	SlotOpen:       "open_channel",
	SlotInProgress: "inprogress_channel",
	SlotCompleted:  "completed_channel",
}

const taskColumns = `task_id, workspace_id, description, status, creator_id, assignee_id, open_ref, inprogress_ref, created_at`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("applying schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func storageErr(err error, op string) error {
	return taskerr.Storage(err, op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*Task, error) {
	var (
		t                Task
		assignee         sql.NullString
		openRef, progRef sql.NullString
		status           string
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Description, &status, &t.CreatorID,
		&assignee, &openRef, &progRef, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AssigneeID = assignee.String
	t.OpenRef = MessageRef(openRef.String)
	t.InProgressRef = MessageRef(progRef.String)
	return &t, nil
}

// CreateTask inserts an open task.
func (s *SQLiteStore) CreateTask(ctx context.Context, workspaceID, description, creatorID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (workspace_id, description, status, creator_id, created_at) VALUES (?, ?, 'open', ?, ?)`,
		workspaceID, description, creatorID, time.Now().UTC())
	if err != nil {
		return 0, storageErr(err, "create task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr(err, "create task")
	}
	return id, nil
}

// Get returns the task with id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get task")
	}
	return t, nil
}

// GetByMessageRef returns the task holding ref.
func (s *SQLiteStore) GetByMessageRef(ctx context.Context, ref MessageRef) (*Task, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE open_ref = ? OR inprogress_ref = ?`, string(ref), string(ref)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get task by message")
	}
	return t, nil
}

// ListByStatus returns the workspace's tasks in status.
func (s *SQLiteStore) ListByStatus(ctx context.Context, workspaceID string, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workspace_id = ? AND status = ? ORDER BY task_id`,
		workspaceID, string(status))
	if err != nil {
		return nil, storageErr(err, "list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
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

// SetMessageRef records ref in slot with a single conditional update.
func (s *SQLiteStore) SetMessageRef(ctx context.Context, id int64, slot Slot, ref MessageRef) (bool, error) {
	if err := checkRefWrite(slot); err != nil {
		return false, err
	}
	col := refColumns[slot]
	other := refColumns[slot.Other()]

	if ref == "" {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+col+` = NULL WHERE task_id = ?`, id)
		if err != nil {
			return false, storageErr(err, "clear message ref")
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET `+col+` = ?
		WHERE task_id = ? AND status = ?
		  AND (`+other+` IS NULL OR `+other+` <> ?)
		  AND NOT EXISTS (
			SELECT 1 FROM tasks AS t2
			WHERE t2.task_id <> ? AND (t2.open_ref = ? OR t2.inprogress_ref = ?))`,
		string(ref), id, string(statusFor(slot)), string(ref), id, string(ref), string(ref))
	if err != nil {
		if isSQLiteUnique(err) {
			return false, ErrConflict
		}
		return false, storageErr(err, "set message ref")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	t, err := s.Get(ctx, id)
	return refWritable(t, err, slot)
}

// Claim moves an open task to in_progress.
func (s *SQLiteStore) Claim(ctx context.Context, id int64, assigneeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'in_progress', assignee_id = ? WHERE task_id = ? AND status = 'open'`,
		assigneeID, id)
	if err != nil {
		return false, storageErr(err, "claim task")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "claim task")
	}
	return n == 1, nil
}

// DeleteIfInProgress removes the task only while it is in_progress.
func (s *SQLiteStore) DeleteIfInProgress(ctx context.Context, id int64) (bool, error) {
	return s.deleteWhere(ctx, "complete task", `DELETE FROM tasks WHERE task_id = ? AND status = 'in_progress'`, id)
}

// Delete removes the task in any status.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	return s.deleteWhere(ctx, "delete task", `DELETE FROM tasks WHERE task_id = ?`, id)
}

// RemoveByMessageRef removes the task holding ref.
func (s *SQLiteStore) RemoveByMessageRef(ctx context.Context, ref MessageRef) (bool, error) {
	if ref == "" {
		return false, nil
	}
	return s.deleteWhere(ctx, "remove task by message",
		`DELETE FROM tasks WHERE open_ref = ? OR inprogress_ref = ?`, string(ref), string(ref))
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storageErr(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, op)
	}
	return n > 0, nil
}

// RemoveAll removes every task of the workspace.
func (s *SQLiteStore) RemoveAll(ctx context.Context, workspaceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return 0, storageErr(err, "remove workspace tasks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetRoute binds slot to channelID.
func (s *SQLiteStore) SetRoute(ctx context.Context, workspaceID string, slot Slot, channelID string) error {
	col, ok := routeColumns[slot]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_routes (workspace_id, `+col+`) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET `+col+` = excluded.`+col,
		workspaceID, channelID)
	if err != nil {
		return storageErr(err, "set route")
	}
	return nil
}

// GetRoutes returns the workspace's routes.
func (s *SQLiteStore) GetRoutes(ctx context.Context, workspaceID string) (*Routes, error) {
	var open, prog, done sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT open_channel, inprogress_channel, completed_channel FROM workspace_routes WHERE workspace_id = ?`,
		workspaceID).Scan(&open, &prog, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get routes")
	}
	return &Routes{
		WorkspaceID: workspaceID,
		Open:        open.String,
		InProgress:  prog.String,
		Completed:   done.String,
	}, nil
}

// DeleteRoutes removes the workspace's route row.
func (s *SQLiteStore) DeleteRoutes(ctx context.Context, workspaceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workspace_routes WHERE workspace_id = ?`, workspaceID); err != nil {
		return storageErr(err, "delete routes")
	}
	return nil
}

// statusFor is the status a task must be in to take a reference in slot.
func statusFor(slot Slot) Status {
	if slot == SlotInProgress {
		return StatusInProgress
	}
	return StatusOpen
}
