package store

import (
	"context"
	"database/sql"
	"time"
)

// Exit statuses recorded for a finished container run.
const (
	ExitSuccess = "success"
	ExitError   = "error"
	ExitTimeout = "timeout"
)

// ContainerRun is an observability record of one agent container's
// lifetime, feeding the internal status API. It carries no invariant of its
// own and is pruned on the same hourly 24h sweep as processed-event records
// (cmd/hostd/serve.go).
type ContainerRun struct {
	ContainerName string
	RepoPrefix    string
	Folder        string
	StartedAt     time.Time
	FinishedAt    *time.Time
	ExitStatus    string
	Truncated     bool
}

// InsertContainerRun records a container starting.
func (s *Store) InsertContainerRun(ctx context.Context, r ContainerRun) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO container_runs (container_name, repo_prefix, folder, started_at, finished_at, exit_status, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ContainerName, r.RepoPrefix, r.Folder, r.StartedAt.UTC().Format(time.RFC3339Nano),
		formatNullTime(r.FinishedAt), r.ExitStatus, boolToInt(r.Truncated))
	return err
}

// FinishContainerRun records the terminal state of a container run.
func (s *Store) FinishContainerRun(ctx context.Context, containerName string, finishedAt time.Time, exitStatus string, truncated bool) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE container_runs SET finished_at=?, exit_status=?, truncated=? WHERE container_name=?
	`, finishedAt.UTC().Format(time.RFC3339Nano), exitStatus, boolToInt(truncated), containerName)
	return err
}

// RecentContainerRuns returns the most recently started runs, newest first, for the status API.
func (s *Store) RecentContainerRuns(ctx context.Context, limit int) ([]ContainerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT container_name, repo_prefix, folder, started_at, finished_at, exit_status, truncated
		FROM container_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContainerRun
	for rows.Next() {
		var r ContainerRun
		var startedAt string
		var finishedAt sql.NullString
		var truncated int
		if err := rows.Scan(&r.ContainerName, &r.RepoPrefix, &r.Folder, &startedAt, &finishedAt, &r.ExitStatus, &truncated); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.FinishedAt = parseNullTime(finishedAt)
		r.Truncated = truncated != 0
		out = append(out, r)
	}
	return out, rows.Err()

}

// CleanupContainerRuns reclaims finished runs older than maxAge.
func (s *Store) CleanupContainerRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.writer.ExecContext(ctx, `DELETE FROM container_runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
