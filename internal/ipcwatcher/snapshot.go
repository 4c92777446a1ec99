package ipcwatcher

import (
	"context"
	"encoding/json"
	"os"

	"github.com/agentdock/hostd/internal/ipc"
	"github.com/agentdock/hostd/internal/store"
)

// groupSnapshotEntry is one row of available_groups.json: enough for an
// agent in "main" to discover every folder it can address without a direct
// store query.
type groupSnapshotEntry struct {
	RepoPrefix  string `json:"repoPrefix"`
	DisplayName string `json:"displayName"`
	Folder      string `json:"folder"`
}

// WriteGroupsSnapshot writes every registered repository to
// <data>/ipc/main/available_groups.json. Called on refresh_groups and after
// every register_group, and by the scheduler before every task run.
func WriteGroupsSnapshot(dataDir string, st *store.Store) error {
	repos, err := st.ListRepos(context.Background())
	if err != nil {
		return err
	}
	entries := make([]groupSnapshotEntry, 0, len(repos))
	for _, r := range repos {
		entries = append(entries, groupSnapshotEntry{RepoPrefix: r.RepoPrefix, DisplayName: r.DisplayName, Folder: r.Folder})
	}
	return writeSnapshotFile(dataDir, "main", "available_groups.json", entries)
}

// taskSnapshotEntry is one row of current_tasks.json.
type taskSnapshotEntry struct {
	ID            string `json:"id"`
	Chat          string `json:"chat"`
	Prompt        string `json:"prompt"`
	ScheduleKind  string `json:"scheduleKind"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	Status        string `json:"status"`
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
	LastResult    string `json:"lastResult,omitempty"`
}

// WriteTasksSnapshot writes every task registered against folder to
// <data>/ipc/<folder>/current_tasks.json, so a running agent can see its
// own schedule without querying the store directly. Called by the
// scheduler before every task run; the IPC task handlers do not rewrite it.
func WriteTasksSnapshot(ctx context.Context, dataDir string, st *store.Store, folder string) error {
	tasks, err := st.ListTasks(ctx, folder)
	if err != nil {
		return err
	}
	entries := make([]taskSnapshotEntry, 0, len(tasks))
	for _, t := range tasks {
		e := taskSnapshotEntry{
			ID: t.ID, Chat: t.Chat, Prompt: t.Prompt, ScheduleKind: t.ScheduleKind,
			ScheduleValue: t.ScheduleValue, ContextMode: t.ContextMode, Status: t.Status, LastResult: t.LastResult,
		}
		if t.NextRun != nil {
			e.NextRun = t.NextRun.UTC().Format(rfc3339)
		}
		if t.LastRun != nil {
			e.LastRun = t.LastRun.UTC().Format(rfc3339)
		}
		entries = append(entries, e)
	}
	return writeSnapshotFile(dataDir, folder, "current_tasks.json", entries)
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

func writeSnapshotFile(dataDir, folder, filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := ipc.FolderRoot(dataDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return ipc.WriteAtomic(dir, filename, append(data, '\n'))
}
