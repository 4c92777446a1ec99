package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdock/hostd/internal/access"
	"github.com/agentdock/hostd/internal/bus"
	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/events"
	"github.com/agentdock/hostd/internal/ghapi"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/router"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/supervisor"
	"github.com/agentdock/hostd/internal/webhook"
	"github.com/agentdock/hostd/pkg/tid"
)

type fakePermissionLookup struct{ perm string }

func (f *fakePermissionLookup) GetCollaboratorPermission(ctx context.Context, auth ghapi.Auth, owner, repo, sender string) (*ghapi.CollaboratorPermission, error) {
	perm := f.perm
	if perm == "" {
		perm = "write"
	}
	return &ghapi.CollaboratorPermission{Permission: perm}, nil
}

type fakeDispatch struct {
	sent    []string
	checked []string
}

func (f *fakeDispatch) SendMessage(prefix, text string) bool {
	f.sent = append(f.sent, prefix)
	return true
}

func (f *fakeDispatch) EnqueueMessageCheck(prefix string) {
	f.checked = append(f.checked, prefix)
}

type fakeTokenSource struct{}

func (fakeTokenSource) RepoAuthHeaders(ctx context.Context, owner, repo string) (ghapi.Auth, error) {
	return ghapi.Auth{Scheme: "token", Value: "t"}, nil
}

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, group supervisor.GroupSpec, input supervisor.Input, onOutput func(supervisor.OutputChunk)) (supervisor.RunResult, error) {
	return supervisor.RunResult{}, nil
}

type fakeWorkerChannel struct{}

func (fakeWorkerChannel) Platform() string        { return "github" }
func (fakeWorkerChannel) Owns(t tid.TID) bool     { return t.Platform == "github" }
func (fakeWorkerChannel) SendComment(t tid.TID, body string) error { return nil }
func (fakeWorkerChannel) SendReview(t tid.TID, event, body string, comments []router.ReviewComment) error {
	return nil
}
func (fakeWorkerChannel) CreatePullRequest(t tid.TID, title, head, base, body string) (string, error) {
	return "", nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newWorkerTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hostd.db")
	st, err := store.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeout: 1000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	return st
}

func newWorkerTestPipeline(t *testing.T, st *store.Store) (*Pipeline, *fakeDispatch) {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	mapper := events.NewMapper("hostd-bot")
	gate := access.New(&fakePermissionLookup{})
	t.Cleanup(gate.Close)
	disp := &fakeDispatch{}
	rtr := router.New(fakeWorkerChannel{})
	policy := access.Policy{MinPermission: "none", AllowExternal: true, RateLimitPerUser: 1000, RateLimitWindow: time.Hour}

	p := New(st, mapper, gate, disp, rtr, fakeTokenSource{}, fakeRunner{}, policy, "hostd-bot", log)
	return p, disp
}

func issueCommentPayload() []byte {
	return []byte(`{
		"action": "created",
		"sender": {"login": "alice", "type": "User"},
		"installation": {"id": 1},
		"repository": {"name": "widgets", "full_name": "acme/widgets", "owner": {"login": "acme"}},
		"issue": {"number": 7, "title": "bug", "body": "it's broken"},
		"comment": {"id": 99, "body": "please take a look"}
	}`)
}

func TestWorkerRecoveryScanReplaysUnprocessedDeliveries(t *testing.T) {
	st := newWorkerTestStore(t)
	pipeline, disp := newWorkerTestPipeline(t, st)
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	ctx := context.Background()
	require.NoError(t, st.UpsertRepo(ctx, store.Repo{
		RepoPrefix: "github:acme/widgets", DisplayName: "widgets", Folder: "widgets",
	}))

	body := issueCommentPayload()
	require.NoError(t, st.InsertDelivery(ctx, store.Delivery{
		DeliveryID: "d1", EventName: "issue_comment", ReceivedAt: time.Now().UTC(), RawBody: body,
	}))

	unprocessed, err := st.UnprocessedDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	w := NewWorker(st, eventBus, pipeline, pipeline.logger)
	w.RecoveryScan(ctx)

	unprocessed, err = st.UnprocessedDeliveries(ctx)
	require.NoError(t, err)
	require.Empty(t, unprocessed)
	require.Equal(t, []string{"github:acme/widgets"}, disp.sent)
}

func TestWorkerRecoveryScanDropsUnregisteredRepo(t *testing.T) {
	st := newWorkerTestStore(t)
	pipeline, disp := newWorkerTestPipeline(t, st)
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	ctx := context.Background()
	body := issueCommentPayload()
	require.NoError(t, st.InsertDelivery(ctx, store.Delivery{
		DeliveryID: "d2", EventName: "issue_comment", ReceivedAt: time.Now().UTC(), RawBody: body,
	}))

	w := NewWorker(st, eventBus, pipeline, pipeline.logger)
	w.RecoveryScan(ctx)

	unprocessed, err := st.UnprocessedDeliveries(ctx)
	require.NoError(t, err)
	require.Empty(t, unprocessed)
	require.Empty(t, disp.sent)
}

func TestWorkerHandlePingProcessesDelivery(t *testing.T) {
	st := newWorkerTestStore(t)
	pipeline, disp := newWorkerTestPipeline(t, st)
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	ctx := context.Background()
	require.NoError(t, st.UpsertRepo(ctx, store.Repo{
		RepoPrefix: "github:acme/widgets", DisplayName: "widgets", Folder: "widgets",
	}))

	body := issueCommentPayload()
	require.NoError(t, st.InsertDelivery(ctx, store.Delivery{
		DeliveryID: "d3", EventName: "issue_comment", ReceivedAt: time.Now().UTC(), RawBody: body,
	}))

	w := NewWorker(st, eventBus, pipeline, pipeline.logger)
	require.NoError(t, w.handlePing(ctx, &bus.Event{Type: webhook.DeliverySubject, Data: map[string]interface{}{"delivery_id": "d3"}}))

	processed, err := st.IsProcessed(ctx, "d3")
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, []string{"github:acme/widgets"}, disp.sent)
}

func TestWorkerHandlePingIgnoresMissingDeliveryID(t *testing.T) {
	st := newWorkerTestStore(t)
	pipeline, _ := newWorkerTestPipeline(t, st)
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	w := NewWorker(st, eventBus, pipeline, pipeline.logger)
	require.NoError(t, w.handlePing(context.Background(), &bus.Event{Type: webhook.DeliverySubject, Data: map[string]interface{}{}}))
}
