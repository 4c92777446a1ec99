package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Repo is a registered repository: the mapping between a repo-prefix (the
// serialization key every TID carries) and the on-disk folder an agent
// container runs against.
type Repo struct {
	RepoPrefix         string
	DisplayName        string
	Folder             string
	TriggerPattern     string
	ContainerTimeoutMs int64
	AdditionalMounts   []string
	RequiresTrigger    bool
	CreatedAt          time.Time
}

// UpsertRepo registers or updates a repository. The folder, once assigned,
// is never silently renamed by this call — callers that need a rename must
// delete and re-create.
func (s *Store) UpsertRepo(ctx context.Context, r Repo) error {
	mounts, err := json.Marshal(r.AdditionalMounts)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO repos (repo_prefix, display_name, folder, trigger_pattern, container_timeout_ms, additional_mounts, requires_trigger, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_prefix) DO UPDATE SET
			display_name=excluded.display_name,
			trigger_pattern=excluded.trigger_pattern,
			container_timeout_ms=excluded.container_timeout_ms,
			additional_mounts=excluded.additional_mounts,
			requires_trigger=excluded.requires_trigger
	`, r.RepoPrefix, r.DisplayName, r.Folder, r.TriggerPattern, r.ContainerTimeoutMs,
		string(mounts), boolToInt(r.RequiresTrigger), r.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetRepo looks up a registered repository by its prefix.
func (s *Store) GetRepo(ctx context.Context, repoPrefix string) (*Repo, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT repo_prefix, display_name, folder, trigger_pattern, container_timeout_ms, additional_mounts, requires_trigger, created_at
		FROM repos WHERE repo_prefix = ?
	`, repoPrefix)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetRepoByFolder looks up a registered repository by its on-disk folder,
// the authorization rule the IPC watcher uses to confirm a file dropped in
// folder S is allowed to target a given thread (§4.8).
func (s *Store) GetRepoByFolder(ctx context.Context, folder string) (*Repo, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT repo_prefix, display_name, folder, trigger_pattern, container_timeout_ms, additional_mounts, requires_trigger, created_at
		FROM repos WHERE folder = ?
	`, folder)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// repoRow is the struct-scan target for ListRepos: sqlx.Select handles the
// column-to-field wiring for this eight-column row instead of a manual Scan.
type repoRow struct {
	RepoPrefix         string `db:"repo_prefix"`
	DisplayName        string `db:"display_name"`
	Folder             string `db:"folder"`
	TriggerPattern     string `db:"trigger_pattern"`
	ContainerTimeoutMs int64  `db:"container_timeout_ms"`
	AdditionalMounts   string `db:"additional_mounts"`
	RequiresTrigger    int    `db:"requires_trigger"`
	CreatedAt          string `db:"created_at"`
}

func (rr repoRow) toRepo() Repo {
	r := Repo{
		RepoPrefix:         rr.RepoPrefix,
		DisplayName:        rr.DisplayName,
		Folder:             rr.Folder,
		TriggerPattern:     rr.TriggerPattern,
		ContainerTimeoutMs: rr.ContainerTimeoutMs,
		RequiresTrigger:    rr.RequiresTrigger != 0,
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, rr.CreatedAt)
	_ = json.Unmarshal([]byte(rr.AdditionalMounts), &r.AdditionalMounts)
	return r
}

// ListRepos returns every registered repository.
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	var rows []repoRow
	if err := s.reader.SelectContext(ctx, &rows, `
		SELECT repo_prefix, display_name, folder, trigger_pattern, container_timeout_ms, additional_mounts, requires_trigger, created_at
		FROM repos ORDER BY created_at ASC
	`); err != nil {
		return nil, err
	}

	out := make([]Repo, 0, len(rows))
	for _, rr := range rows {
		out = append(out, rr.toRepo())
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepo(row rowScanner) (*Repo, error) {
	var r Repo
	var mounts, createdAt string
	var requiresTrigger int
	if err := row.Scan(&r.RepoPrefix, &r.DisplayName, &r.Folder, &r.TriggerPattern,
		&r.ContainerTimeoutMs, &mounts, &requiresTrigger, &createdAt); err != nil {
		return nil, err
	}
	r.RequiresTrigger = requiresTrigger != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	_ = json.Unmarshal([]byte(mounts), &r.AdditionalMounts)
	return &r, nil
}
