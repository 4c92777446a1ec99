// Package statusapi is the internal operator-facing status/debug surface:
// queue depth, active containers, and registered repositories, plus a
// websocket feed that pushes dispatcher snapshots as they change. It is
// observability surface only — no part of the control flow in §2 of the
// design depends on it.
package statusapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/logging"
)

// Hub fans out periodic dispatcher snapshots to every connected websocket client.
type Hub struct {
	dispatch *dispatch.Dispatcher
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub builds a Hub that polls disp every interval.
func NewHub(disp *dispatch.Dispatcher, interval time.Duration, log *logging.Logger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{dispatch: disp, interval: interval, logger: log, clients: make(map[*websocket.Conn]chan []byte)}
}

// Run blocks, broadcasting a fresh snapshot every interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	payload, err := json.Marshal(h.dispatch.Snapshot())
	if err != nil {
		h.logger.Warn("statusapi: marshal snapshot failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- payload:
		default:
			h.logger.Warn("statusapi: client send buffer full, dropping")
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

// register adds conn to the broadcast set and starts its write pump. Call
// from the upgraded connection's goroutine; register blocks until the
// connection closes.
func (h *Hub) register(conn *websocket.Conn) {
	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Push one snapshot immediately so a fresh connection doesn't wait a
	// full interval for its first update.
	if payload, err := json.Marshal(h.dispatch.Snapshot()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	for payload := range send {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		close(send)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
