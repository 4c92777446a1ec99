package store

import (
	"context"
	"database/sql"
	"time"
)

// Task status values. A task whose status is not TaskStatusActive is never
// dispatched even if its NextRun is due.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
)

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes a task can run its agent container under.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task is a scheduled agent run.
type Task struct {
	ID            string
	Folder        string
	Chat          string
	Prompt        string
	ScheduleKind  string
	ScheduleValue string
	ContextMode   string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        string
	CreatedAt     time.Time
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO tasks (id, folder, chat, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Folder, t.Chat, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode,
		formatNullTime(t.NextRun), formatNullTime(t.LastRun), t.LastResult, t.Status, t.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// UpdateTask replaces the mutable fields of an existing task (schedule
// progression, last result, status transitions).
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE tasks SET prompt=?, schedule_kind=?, schedule_value=?, context_mode=?,
			next_run=?, last_run=?, last_result=?, status=?
		WHERE id=?
	`, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode,
		formatNullTime(t.NextRun), formatNullTime(t.LastRun), t.LastResult, t.Status, t.ID)
	return err
}

// DeleteTask removes a task permanently.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

// GetTask looks up a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.reader.QueryRowContext(ctx, taskSelect+` WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks returns every task for folder, newest first.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]Task, error) {
	var rows []taskRow
	if err := s.reader.SelectContext(ctx, &rows, taskSelect+` WHERE folder=? ORDER BY created_at DESC`, folder); err != nil {
		return nil, err
	}
	return taskRows(rows).toTasks(), nil
}

// DueTasks returns every active task whose next_run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	var rows []taskRow
	if err := s.reader.SelectContext(ctx, &rows,
		taskSelect+` WHERE status=? AND next_run IS NOT NULL AND next_run<=? ORDER BY next_run ASC`,
		TaskStatusActive, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	return taskRows(rows).toTasks(), nil
}

const taskSelect = `SELECT id, folder, chat, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at FROM tasks`

// taskRow is the struct-scan target for the twelve-column tasks row; sqlx
// struct-scans it directly instead of the field-by-field Scan GetTask uses
// for its single-row lookup.
type taskRow struct {
	ID            string         `db:"id"`
	Folder        string         `db:"folder"`
	Chat          string         `db:"chat"`
	Prompt        string         `db:"prompt"`
	ScheduleKind  string         `db:"schedule_kind"`
	ScheduleValue string         `db:"schedule_value"`
	ContextMode   string         `db:"context_mode"`
	NextRun       sql.NullString `db:"next_run"`
	LastRun       sql.NullString `db:"last_run"`
	LastResult    string         `db:"last_result"`
	Status        string         `db:"status"`
	CreatedAt     string         `db:"created_at"`
}

type taskRows []taskRow

func (trs taskRows) toTasks() []Task {
	out := make([]Task, 0, len(trs))
	for _, tr := range trs {
		t := Task{
			ID:            tr.ID,
			Folder:        tr.Folder,
			Chat:          tr.Chat,
			Prompt:        tr.Prompt,
			ScheduleKind:  tr.ScheduleKind,
			ScheduleValue: tr.ScheduleValue,
			ContextMode:   tr.ContextMode,
			LastResult:    tr.LastResult,
			Status:        tr.Status,
		}
		t.NextRun = parseNullTime(tr.NextRun)
		t.LastRun = parseNullTime(tr.LastRun)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, tr.CreatedAt)
		out = append(out, t)
	}
	return out
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var nextRun, lastRun sql.NullString
	var createdAt string
	if err := row.Scan(&t.ID, &t.Folder, &t.Chat, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &t.LastResult, &t.Status, &createdAt); err != nil {
		return nil, err
	}
	t.NextRun = parseNullTime(nextRun)
	t.LastRun = parseNullTime(lastRun)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
