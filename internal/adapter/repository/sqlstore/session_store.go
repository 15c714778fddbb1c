package sqlstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

// Session rows carry the serialized session obfuscated with base64. This is
// deliberately not encryption: offline session material is readable to
// anyone with disk access, and sensitive actions must re-verify against the
// server when online.

// PutSession upserts the session's durable copy.
func (s *Store) PutSession(ctx context.Context, session *domain.AuthSession) error {
	blob, err := encodeSession(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO sessions (id, blob, expires_at, last_activity)
VALUES (?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
  blob = excluded.blob,
  expires_at = excluded.expires_at,
  last_activity = excluded.last_activity`),
		session.ID, blob, unixNano(session.ExpiresAt), unixNano(session.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// LatestSession returns the most recently active non-expired session.
// Expired rows are never returned.
func (s *Store) LatestSession(ctx context.Context) (*domain.AuthSession, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT blob FROM sessions
WHERE expires_at > ?
ORDER BY last_activity DESC
LIMIT 1`),
		time.Now().UnixNano(),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decodeSession(blob)
}

// DeleteSession removes the session row; deleting an absent row is not an
// error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// TouchSession updates the session's last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	sess, err := s.sessionByID(ctx, id)
	if err != nil {
		return err
	}
	sess.LastActivity = at
	return s.PutSession(ctx, sess)
}

func (s *Store) sessionByID(ctx context.Context, id string) (*domain.AuthSession, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT blob FROM sessions WHERE id = ?`), id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decodeSession(blob)
}

func encodeSession(session *domain.AuthSession) (string, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeSession(blob string) (*domain.AuthSession, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session blob: %w", err)
	}
	var session domain.AuthSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}
