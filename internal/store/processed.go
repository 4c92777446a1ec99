package store

import (
	"context"
	"database/sql"
	"time"
)

// MarkProcessed records deliveryID as handled. processed_events is a set:
// re-marking an already-processed id is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, deliveryID string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO processed_events (delivery_id, processed_at) VALUES (?, ?)
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// IsProcessed reports whether deliveryID has already been handled, the
// idempotency check every webhook replay goes through.
func (s *Store) IsProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var discard string
	err := s.reader.QueryRowContext(ctx, `SELECT delivery_id FROM processed_events WHERE delivery_id=?`, deliveryID).Scan(&discard)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupProcessed reclaims processed_events rows older than maxAge (the
// spec's 24h retention — this table only needs to be as long as the widest
// plausible webhook-retry window).
func (s *Store) CleanupProcessed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.writer.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
