package store

import (
	"context"
	"database/sql"
)

// SetSession records the agent's session id for folder, letting the next
// container against the same folder resume prior context instead of
// starting a fresh conversation.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id) VALUES (?, ?)
		ON CONFLICT (folder) DO UPDATE SET session_id = excluded.session_id
	`, folder, sessionID)
	return err
}

// GetSession returns folder's session id, or "" if none has been recorded yet.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var sessionID string
	err := s.reader.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sessionID, err
}
