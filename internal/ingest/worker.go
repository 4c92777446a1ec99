package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/bus"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
	"github.com/agentdock/hostd/internal/webhook"
)

// Worker decouples the webhook HTTP handler from C4/C5/C1 processing: it
// consumes "delivery available" pings off the event bus and, on startup,
// replays every delivery the store shows as unprocessed — so a dropped or
// coalesced bus ping never loses an event, only delays it to the next
// recovery scan.
type Worker struct {
	store    *store.Store
	eventBus bus.EventBus
	pipeline *Pipeline
	logger   *logging.Logger
}

// NewWorker builds a Worker around pipeline.
func NewWorker(st *store.Store, eventBus bus.EventBus, pipeline *Pipeline, log *logging.Logger) *Worker {
	return &Worker{store: st, eventBus: eventBus, pipeline: pipeline, logger: log}
}

// Run subscribes to delivery pings and blocks until ctx is cancelled.
// Callers should run RecoveryScan to completion first — see its doc
// comment — rather than relying on Run to do it implicitly.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.eventBus.Subscribe(webhook.DeliverySubject, w.handlePing)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

// RecoveryScan replays every delivery the store still shows as
// unprocessed, in arrival order. Call this to completion before marking
// the webhook ingress ready for live traffic, so a restart never races a
// fresh delivery against replaying what it may have missed.
func (w *Worker) RecoveryScan(ctx context.Context) {
	deliveries, err := w.store.UnprocessedDeliveries(ctx)
	if err != nil {
		w.logger.Error("ingest worker: recovery scan failed", zap.Error(err))
		return
	}
	if len(deliveries) > 0 {
		w.logger.Info("ingest worker: replaying unprocessed deliveries", zap.Int("count", len(deliveries)))
	}
	for _, d := range deliveries {
		w.process(ctx, d)
	}
}

func (w *Worker) handlePing(ctx context.Context, event *bus.Event) error {
	deliveryID, _ := event.Data["delivery_id"].(string)
	if deliveryID == "" {
		return nil
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d, err := w.store.GetDelivery(runCtx, deliveryID)
	if err != nil {
		w.logger.Error("ingest worker: load delivery failed", zap.String("delivery_id", deliveryID), zap.Error(err))
		return err
	}
	if d == nil {
		// Already cleaned up, or the ping outran the write — recovery
		// scan will pick it up if it's genuinely still pending.
		return nil
	}
	w.process(runCtx, *d)
	return nil
}

func (w *Worker) process(ctx context.Context, d store.Delivery) {
	if d.Processed {
		return
	}
	if err := w.pipeline.Accept(ctx, d.DeliveryID, d.EventName, d.RawBody); err != nil {
		w.logger.Error("ingest worker: accept delivery failed", zap.String("delivery_id", d.DeliveryID), zap.Error(err))
	}
}
