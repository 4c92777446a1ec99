package store

import (
	"context"
	"database/sql"
	"time"
)

// maxTaskRunHistory bounds how many runs ListTaskRuns returns per task, so
// an operator sees recent failure history without the table growing the
// response unbounded for a task that has run for months.
const maxTaskRunHistory = 20

// TaskRun is one execution attempt of a scheduled task, supplementing the
// single last-result slot on Task with bounded history.
type TaskRun struct {
	ID         int64
	TaskID     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Success    *bool
	Summary    string
	Error      string
}

// InsertTaskRun records a task execution attempt.
func (s *Store) InsertTaskRun(ctx context.Context, r TaskRun) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, started_at, finished_at, success, summary, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.StartedAt.UTC().Format(time.RFC3339Nano), formatNullTime(r.FinishedAt),
		formatNullBool(r.Success), r.Summary, r.Error)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTaskRuns returns the most recent runs for taskID, newest first, capped at maxTaskRunHistory.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string) ([]TaskRun, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, task_id, started_at, finished_at, success, summary, error
		FROM task_runs WHERE task_id=? ORDER BY started_at DESC LIMIT ?
	`, taskID, maxTaskRunHistory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var startedAt string
		var finishedAt sql.NullString
		var success sql.NullBool
		if err := rows.Scan(&r.ID, &r.TaskID, &startedAt, &finishedAt, &success, &r.Summary, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.FinishedAt = parseNullTime(finishedAt)
		if success.Valid {
			v := success.Bool
			r.Success = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatNullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}
