package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentdock/hostd/internal/bus"
	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hostd.db")
	s, err := store.Open(config.DatabaseConfig{Path: dbPath, ReaderConns: 2, BusyTimeout: 1000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, srv *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhookRejectsBeforeReady(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "s3cr3t", newTestLogger(t))
	body := []byte(`{"action":"opened"}`)
	rec := postWebhook(t, srv, body, map[string]string{
		"signature": sign("s3cr3t", body), "event-name": "issues", "delivery-id": "d1",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleWebhookMissingHeaders(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "s3cr3t", newTestLogger(t))
	srv.MarkReady()
	rec := postWebhook(t, srv, []byte(`{}`), map[string]string{"event-name": "issues"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "s3cr3t", newTestLogger(t))
	srv.MarkReady()
	body := []byte(`{"action":"opened"}`)
	rec := postWebhook(t, srv, body, map[string]string{
		"signature": sign("wrong-secret", body), "event-name": "issues", "delivery-id": "d1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhookMalformedJSON(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "s3cr3t", newTestLogger(t))
	srv.MarkReady()
	body := []byte(`{not json`)
	rec := postWebhook(t, srv, body, map[string]string{
		"signature": sign("s3cr3t", body), "event-name": "issues", "delivery-id": "d1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookAcceptsAndPersistsAndPings(t *testing.T) {
	st := newTestStore(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(DeliverySubject, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	srv := New(st, eventBus, "s3cr3t", newTestLogger(t))
	srv.MarkReady()

	body := []byte(`{"action":"opened","issue":{"number":1}}`)
	rec := postWebhook(t, srv, body, map[string]string{
		"signature": sign("s3cr3t", body), "event-name": "issues", "delivery-id": "d1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp["received"])

	unprocessed, err := st.UnprocessedDeliveries(context.Background())
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, "d1", unprocessed[0].DeliveryID)

	select {
	case e := <-received:
		require.Equal(t, "d1", e.Data["delivery_id"])
	default:
		t.Fatal("expected a delivery ping on the bus")
	}
}

func TestHandleWebhookBlankSecretAlwaysRejects(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "", newTestLogger(t))
	srv.MarkReady()
	body := []byte(`{}`)
	rec := postWebhook(t, srv, body, map[string]string{
		"signature": "sha256=" + hex.EncodeToString(make([]byte, 32)), "event-name": "issues", "delivery-id": "d1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	srv := New(newTestStore(t), bus.NewMemoryEventBus(newTestLogger(t)), "s3cr3t", newTestLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
