package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/supervisor"
	"github.com/agentdock/hostd/pkg/tid"
)

type fakeDispatch struct {
	enqueued  map[string]dispatch.TaskFunc
	closedFor []string
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{enqueued: make(map[string]dispatch.TaskFunc)}
}

func (f *fakeDispatch) EnqueueTask(prefix, taskID string, fn dispatch.TaskFunc) {
	f.enqueued[taskID] = fn
}
func (f *fakeDispatch) CloseStdin(prefix string) { f.closedFor = append(f.closedFor, prefix) }

type fakeRunner struct {
	result supervisor.RunResult
	err    error
	chunk  *supervisor.OutputChunk
}

func (f *fakeRunner) Run(ctx context.Context, group supervisor.GroupSpec, input supervisor.Input, onOutput func(supervisor.OutputChunk)) (supervisor.RunResult, error) {
	if f.chunk != nil {
		onOutput(*f.chunk)
	}
	return f.result, f.err
}

type fakeChannel struct{ comments []string }

func (f *fakeChannel) Platform() string      { return "github" }
func (f *fakeChannel) Owns(t tid.TID) bool   { return t.Platform == "github" }
func (f *fakeChannel) SendComment(t tid.TID, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeChannel) SendReview(t tid.TID, event, body string, comments []router.ReviewComment) error {
	return nil
}
func (f *fakeChannel) CreatePullRequest(t tid.TID, title, head, base, body string) (string, error) {
	return "", nil
}

func newTestScheduler(t *testing.T, runner ContainerRunner, disp Dispatch) (*Scheduler, *store.Store, *fakeChannel) {
	t.Helper()
	dataDir := t.TempDir()
	dbPath := filepath.Join(dataDir, "hostd.db")
	st, err := store.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeout: 1000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	ch := &fakeChannel{}
	rtr := router.New(ch)
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	s := New(st, rtr, disp, runner, dataDir, "hostd", time.Minute, log)
	return s, st, ch
}

func TestAdmitEnqueuesDueTask(t *testing.T) {
	disp := newFakeDispatch()
	s, st, _ := newTestScheduler(t, &fakeRunner{result: supervisor.RunResult{Success: true}}, disp)
	ctx := context.Background()

	require.NoError(t, st.UpsertRepo(ctx, store.Repo{RepoPrefix: "github:acme/widgets", Folder: "widgets"}))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateTask(ctx, store.Task{
		ID: "t1", Folder: "widgets", Chat: "github:acme/widgets#issue:1", Prompt: "check stale PRs",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "60000", ContextMode: store.ContextIsolated,
		NextRun: &past, Status: store.TaskStatusActive,
	}))

	s.tick(ctx)
	require.Contains(t, disp.enqueued, "t1")
}

func TestRunTaskSkipsWhenNoLongerActive(t *testing.T) {
	disp := newFakeDispatch()
	s, st, _ := newTestScheduler(t, &fakeRunner{result: supervisor.RunResult{Success: true}}, disp)
	ctx := context.Background()

	require.NoError(t, st.UpsertRepo(ctx, store.Repo{RepoPrefix: "github:acme/widgets", Folder: "widgets"}))
	require.NoError(t, st.CreateTask(ctx, store.Task{
		ID: "t1", Folder: "widgets", Chat: "github:acme/widgets#issue:1", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "60000", ContextMode: store.ContextIsolated,
		Status: store.TaskStatusPaused,
	}))

	t0, err := tid.Parse("github:acme/widgets#issue:1")
	require.NoError(t, err)
	ok := s.runTask(ctx, "t1", "github:acme/widgets", t0)
	require.True(t, ok)
}

func TestRunTaskRoutesOutputAndRearmsInterval(t *testing.T) {
	disp := newFakeDispatch()
	runner := &fakeRunner{
		result: supervisor.RunResult{Success: true},
		chunk:  &supervisor.OutputChunk{Result: "all clear"},
	}
	s, st, ch := newTestScheduler(t, runner, disp)
	ctx := context.Background()

	require.NoError(t, st.UpsertRepo(ctx, store.Repo{RepoPrefix: "github:acme/widgets", Folder: "widgets"}))
	require.NoError(t, st.CreateTask(ctx, store.Task{
		ID: "t1", Folder: "widgets", Chat: "github:acme/widgets#issue:1", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "60000", ContextMode: store.ContextIsolated,
		Status: store.TaskStatusActive,
	}))

	t0, err := tid.Parse("github:acme/widgets#issue:1")
	require.NoError(t, err)
	ok := s.runTask(ctx, "t1", "github:acme/widgets", t0)
	require.True(t, ok)
	require.Equal(t, []string{"all clear"}, ch.comments)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusActive, task.Status)
	require.NotNil(t, task.NextRun)
	require.NotNil(t, task.LastRun)
	require.Equal(t, "ok", task.LastResult)

	runs, err := st.ListTaskRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Success)
	require.True(t, *runs[0].Success)
}

func TestRunTaskOnceCompletesAfterFiring(t *testing.T) {
	disp := newFakeDispatch()
	runner := &fakeRunner{result: supervisor.RunResult{Success: true}}
	s, st, _ := newTestScheduler(t, runner, disp)
	ctx := context.Background()

	require.NoError(t, st.UpsertRepo(ctx, store.Repo{RepoPrefix: "github:acme/widgets", Folder: "widgets"}))
	require.NoError(t, st.CreateTask(ctx, store.Task{
		ID: "t1", Folder: "widgets", Chat: "github:acme/widgets#issue:1", Prompt: "p",
		ScheduleKind: store.ScheduleOnce, ScheduleValue: time.Now().Format(time.RFC3339), ContextMode: store.ContextIsolated,
		Status: store.TaskStatusActive,
	}))

	t0, err := tid.Parse("github:acme/widgets#issue:1")
	require.NoError(t, err)
	ok := s.runTask(ctx, "t1", "github:acme/widgets", t0)
	require.True(t, ok)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, task.Status)
	require.Nil(t, task.NextRun)
}

func TestRunTaskFailureRecordsError(t *testing.T) {
	disp := newFakeDispatch()
	runner := &fakeRunner{result: supervisor.RunResult{Success: false}}
	s, st, _ := newTestScheduler(t, runner, disp)
	ctx := context.Background()

	require.NoError(t, st.UpsertRepo(ctx, store.Repo{RepoPrefix: "github:acme/widgets", Folder: "widgets"}))
	require.NoError(t, st.CreateTask(ctx, store.Task{
		ID: "t1", Folder: "widgets", Chat: "github:acme/widgets#issue:1", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "1000", ContextMode: store.ContextIsolated,
		Status: store.TaskStatusActive,
	}))

	t0, err := tid.Parse("github:acme/widgets#issue:1")
	require.NoError(t, err)
	ok := s.runTask(ctx, "t1", "github:acme/widgets", t0)
	require.False(t, ok)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Contains(t, task.LastResult, "failed")
}
