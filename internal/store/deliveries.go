package store

import (
	"context"
	"database/sql"
	"time"
)

// Delivery is the raw webhook envelope persisted before the HTTP handler
// returns 200 — the durability scaffolding that lets the mapper's recovery
// scan pick up work even if the in-process event bus ping is missed.
type Delivery struct {
	DeliveryID string
	EventName  string
	ReceivedAt time.Time
	RawBody    []byte
	Processed  bool
}

// InsertDelivery persists a raw delivery envelope. Re-inserting the same
// delivery id is a no-op (idempotent webhook retries).
func (s *Store) InsertDelivery(ctx context.Context, d Delivery) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO deliveries (delivery_id, event_name, received_at, raw_body, processed)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (delivery_id) DO NOTHING
	`, d.DeliveryID, d.EventName, d.ReceivedAt.UTC().Format(time.RFC3339Nano), d.RawBody)
	return err
}

// GetDelivery looks up one persisted delivery envelope by id, the lookup
// the ingest worker performs after receiving a bus ping that only carries
// the delivery id.
func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT delivery_id, event_name, received_at, raw_body, processed
		FROM deliveries WHERE delivery_id = ?
	`, deliveryID)
	var d Delivery
	var receivedAt string
	var processed int
	if err := row.Scan(&d.DeliveryID, &d.EventName, &receivedAt, &d.RawBody, &processed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	d.Processed = processed != 0
	return &d, nil
}

// UnprocessedDeliveries returns every delivery not yet marked processed, in
// arrival order — the set the mapper's recovery scan replays on startup.
func (s *Store) UnprocessedDeliveries(ctx context.Context) ([]Delivery, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT delivery_id, event_name, received_at, raw_body, processed
		FROM deliveries WHERE processed=0 ORDER BY received_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var receivedAt string
		var processed int
		if err := rows.Scan(&d.DeliveryID, &d.EventName, &receivedAt, &d.RawBody, &processed); err != nil {
			return nil, err
		}
		d.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		d.Processed = processed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDeliveryProcessed flags a delivery so it is excluded from future recovery scans.
func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryID string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE deliveries SET processed=1 WHERE delivery_id=?`, deliveryID)
	return err
}
