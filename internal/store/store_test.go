package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdock/hostd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hostd.db")
	s, err := Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeout: 1000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestMessagesUpsertAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.InsertMessage(ctx, Message{
		DeliveryID: "d1", Chat: "github:acme/widgets#issue:1",
		SenderHandle: "alice", SenderDisplay: "Alice", Content: "please fix this",
		CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(ctx, Message{
		DeliveryID: "d2", Chat: "github:acme/widgets#issue:1",
		SenderHandle: "hostd", SenderDisplay: "hostd", Content: "working on it",
		CreatedAt: base.Add(time.Second), IsBot: true,
	}))
	require.NoError(t, s.InsertMessage(ctx, Message{
		DeliveryID: "d3", Chat: "github:acme/widgets#issue:1",
		SenderHandle: "alice", SenderDisplay: "Alice", Content: "hostd: thanks!",
		CreatedAt: base.Add(2 * time.Second),
	}))

	msgs, err := s.MessagesSince(ctx, "github:acme/widgets#issue:1", base.Add(-time.Second), "hostd")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "please fix this", msgs[0].Content)

	// re-inserting the same delivery id is an upsert, not a new row
	require.NoError(t, s.InsertMessage(ctx, Message{
		DeliveryID: "d1", Chat: "github:acme/widgets#issue:1",
		SenderHandle: "alice", SenderDisplay: "Alice", Content: "please fix this (edited)",
		CreatedAt: base,
	}))
	msgs, err = s.MessagesSince(ctx, "github:acme/widgets#issue:1", base.Add(-time.Second), "hostd")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "please fix this (edited)", msgs[0].Content)
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	zero, err := s.GetCursor(ctx, "github:acme/widgets#issue:1")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetCursor(ctx, "github:acme/widgets#issue:1", now))
	got, err := s.GetCursor(ctx, "github:acme/widgets#issue:1")
	require.NoError(t, err)
	require.True(t, got.Equal(now))
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.GetSession(ctx, "widgets")
	require.NoError(t, err)
	require.Equal(t, "", empty)

	require.NoError(t, s.SetSession(ctx, "widgets", "sess-1"))
	got, err := s.GetSession(ctx, "widgets")
	require.NoError(t, err)
	require.Equal(t, "sess-1", got)

	require.NoError(t, s.SetSession(ctx, "widgets", "sess-2"))
	got, err = s.GetSession(ctx, "widgets")
	require.NoError(t, err)
	require.Equal(t, "sess-2", got)
}

func TestProcessedEventsIsASet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	processed, err := s.IsProcessed(ctx, "delivery-1")
	require.NoError(t, err)
	require.False(t, processed)

	require.NoError(t, s.MarkProcessed(ctx, "delivery-1"))
	require.NoError(t, s.MarkProcessed(ctx, "delivery-1")) // re-adding is a no-op

	processed, err = s.IsProcessed(ctx, "delivery-1")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestCleanupProcessedReclaimsOldRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.MarkProcessed(ctx, "old-delivery"))

	n, err := s.CleanupProcessed(ctx, -time.Hour) // negative window: everything is "old"
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	processed, err := s.IsProcessed(ctx, "old-delivery")
	require.NoError(t, err)
	require.False(t, processed)
}

func TestTaskLifecycleAndDueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	task := Task{
		ID: "task-1", Folder: "widgets", Chat: "github:acme/widgets#issue:1",
		Prompt: "run the nightly report", ScheduleKind: ScheduleCron, ScheduleValue: "0 * * * *",
		ContextMode: ContextGroup, NextRun: &due, Status: TaskStatusActive,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "run the nightly report", got.Prompt)

	dueTasks, err := s.DueTasks(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, dueTasks, 1)

	// paused tasks are never dispatched even if next_run is due
	got.Status = TaskStatusPaused
	require.NoError(t, s.UpdateTask(ctx, *got))
	dueTasks, err = s.DueTasks(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, dueTasks, 0)

	require.NoError(t, s.DeleteTask(ctx, "task-1"))
	deleted, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, deleted)
}

func TestTaskRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	success := true
	for i := 0; i < 3; i++ {
		_, err := s.InsertTaskRun(ctx, TaskRun{
			TaskID: "task-1", StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
			Success: &success, Summary: "ok",
		})
		require.NoError(t, err)
	}

	runs, err := s.ListTaskRuns(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
}

func TestRepoRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRepo(ctx, Repo{
		RepoPrefix: "github:acme/widgets", DisplayName: "Widgets", Folder: "widgets",
		AdditionalMounts: []string{"/opt/shared"},
	}))

	got, err := s.GetRepo(ctx, "github:acme/widgets")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "widgets", got.Folder)
	require.Equal(t, []string{"/opt/shared"}, got.AdditionalMounts)

	list, err := s.ListRepos(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDeliveryRecoveryScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDelivery(ctx, Delivery{
		DeliveryID: "dlv-1", EventName: "issue_comment", ReceivedAt: time.Now(), RawBody: []byte(`{}`),
	}))
	// duplicate delivery ids (webhook retries) are a no-op
	require.NoError(t, s.InsertDelivery(ctx, Delivery{
		DeliveryID: "dlv-1", EventName: "issue_comment", ReceivedAt: time.Now(), RawBody: []byte(`{}`),
	}))

	unprocessed, err := s.UnprocessedDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	require.NoError(t, s.MarkDeliveryProcessed(ctx, "dlv-1"))
	unprocessed, err = s.UnprocessedDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, unprocessed, 0)
}
