package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hostd.db")
	st, err := store.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeout: 1000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	return st
}

func testDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{MaxConcurrent: 2, MaxRetries: 1, BaseRetry: time.Millisecond, DataDir: "/tmp"},
		func(ctx context.Context, prefix string) bool { return true },
		func(prefix string) (string, bool) { return "", false },
		nil)
}

func TestHandleSnapshot(t *testing.T) {
	disp := testDispatcher()
	hub := NewHub(disp, time.Hour, testLogger(t))
	srv := New(disp, testStore(t), hub, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap dispatch.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 2, snap.MaxConcurrent)
}

func TestHandleRepos(t *testing.T) {
	disp := testDispatcher()
	hub := NewHub(disp, time.Hour, testLogger(t))
	st := testStore(t)
	require.NoError(t, st.UpsertRepo(context.Background(), store.Repo{
		RepoPrefix: "github:acme/widgets", DisplayName: "widgets", Folder: "widgets",
	}))
	srv := New(disp, st, hub, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/status/repos", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "github:acme/widgets")
}

func TestHandleStreamBroadcastsSnapshot(t *testing.T) {
	disp := testDispatcher()
	hub := NewHub(disp, 10*time.Millisecond, testLogger(t))
	srv := New(disp, testStore(t), hub, testLogger(t))

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap dispatch.Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	require.Equal(t, 2, snap.MaxConcurrent)
}
