// Package webhook is the HMAC-validated HTTP ingress (component C3): it
// returns 200 fast and hands the payload off to the ingest worker via the
// event bus rather than running any agent work on the request goroutine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/bus"
	"github.com/agentdock/hostd/internal/httpmw"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

// DeliverySubject is the bus subject the HTTP handler pings on every
// accepted delivery; the ingest worker subscribes to it.
const DeliverySubject = "webhook.delivery"

const maxBodyBytes = 10 << 20 // 10 MiB, generous for the largest GitHub payloads

// Server is the /health and /webhooks HTTP surface. It is not ready to
// accept webhooks until MarkReady is called (after the ingest worker has
// finished its startup recovery scan), returning 503 until then.
type Server struct {
	engine        *gin.Engine
	store         *store.Store
	eventBus      bus.EventBus
	webhookSecret string
	ready         atomic.Bool
	logger        *logging.Logger
}

// New builds the webhook ingress server. webhookSecret is the shared
// secret configured on the source-control platform's webhook; an empty
// secret means no signature is ever accepted (default-deny, not
// permissive).
func New(st *store.Store, eventBus bus.EventBus, webhookSecret string, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpmw.Recovery(log), httpmw.OtelTracing("webhook"), httpmw.RequestLogger(log, "webhook"))

	s := &Server{engine: engine, store: st, eventBus: eventBus, webhookSecret: webhookSecret, logger: log}
	engine.GET("/health", s.handleHealth)
	engine.POST("/webhooks", s.handleWebhook)
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// MarkReady flips /webhooks from 503 to live traffic. Called once the
// ingest worker's startup recovery scan has run, so a restart never races
// a fresh webhook delivery against replaying what it may have missed.
func (s *Server) MarkReady() { s.ready.Store(true) }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWebhook(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}

	signature := c.GetHeader("signature")
	eventName := c.GetHeader("event-name")
	deliveryID := c.GetHeader("delivery-id")
	if signature == "" || eventName == "" || deliveryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required headers"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload too large"})
		return
	}

	if !s.validSignature(signature, body) {
		s.logger.Warn("webhook signature mismatch", zap.String("delivery_id", deliveryID), zap.String("event", eventName))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	ctx := c.Request.Context()
	if err := s.store.InsertDelivery(ctx, store.Delivery{
		DeliveryID: deliveryID, EventName: eventName, ReceivedAt: time.Now().UTC(), RawBody: body,
	}); err != nil {
		s.logger.Error("persist webhook delivery failed", zap.String("delivery_id", deliveryID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist delivery"})
		return
	}

	// Publish is fire-and-forget: the durability guarantee lives in the
	// deliveries table, not the bus. A dropped or coalesced ping only
	// delays processing until the mapper worker's next recovery scan.
	event := bus.NewEvent("webhook.delivery", "webhook", map[string]interface{}{
		"delivery_id": deliveryID,
		"event_name":  eventName,
	})
	if err := s.eventBus.Publish(context.Background(), DeliverySubject, event); err != nil {
		s.logger.Warn("publish webhook delivery ping failed", zap.String("delivery_id", deliveryID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// validSignature validates "sha256=<hex>" against HMAC-SHA256(secret, body)
// in constant time. A blank configured secret always rejects.
func (s *Server) validSignature(header string, body []byte) bool {
	if s.webhookSecret == "" {
		return false
	}
	const prefix = "sha256="
	hexDigest := header
	if strings.HasPrefix(header, prefix) {
		hexDigest = header[len(prefix):]
	}
	want, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}
