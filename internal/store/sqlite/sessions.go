package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) GetSession(ctx context.Context, phone string) (*model.Session, error) {
	var sess model.Session
	var penaltyUntil, lastActive sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, user_id, credential, state, auto_paused, pause_reason,
		       penalty_until, last_error, last_active, created_at, updated_at
		FROM sessions WHERE phone = ?`, phone,
	).Scan(&sess.Phone, &sess.UserID, &sess.Credential, &sess.State, &sess.AutoPaused,
		&sess.PauseReason, &penaltyUntil, &sess.LastError, &lastActive,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.PenaltyUntil = penaltyUntil.Time
	sess.LastActive = lastActive.Time
	return &sess, nil
}

func (s *sessionStore) UpsertSession(ctx context.Context, sess *model.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (phone, user_id, credential, state, auto_paused, pause_reason,
		                       penalty_until, last_error, last_active, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (phone) DO UPDATE SET
			user_id=excluded.user_id, credential=excluded.credential, state=excluded.state,
			auto_paused=excluded.auto_paused, pause_reason=excluded.pause_reason,
			penalty_until=excluded.penalty_until, last_error=excluded.last_error,
			last_active=excluded.last_active, updated_at=excluded.updated_at`,
		sess.Phone, sess.UserID, sess.Credential, sess.State, boolToInt(sess.AutoPaused), sess.PauseReason,
		nullableTime(sess.PenaltyUntil), sess.LastError, nullableTime(sess.LastActive),
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *sessionStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET user_id=?, credential=?, state=?, auto_paused=?,
			pause_reason=?, penalty_until=?, last_error=?, last_active=?, updated_at=?
		WHERE phone = ?`,
		sess.UserID, sess.Credential, sess.State, boolToInt(sess.AutoPaused), sess.PauseReason,
		nullableTime(sess.PenaltyUntil), sess.LastError, nullableTime(sess.LastActive),
		sess.UpdatedAt, sess.Phone)
	return err
}

func (s *sessionStore) ListSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phone, user_id, credential, state, auto_paused, pause_reason,
		       penalty_until, last_error, last_active, created_at, updated_at
		FROM sessions ORDER BY phone`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var sess model.Session
		var penaltyUntil, lastActive sql.NullTime
		if err := rows.Scan(&sess.Phone, &sess.UserID, &sess.Credential, &sess.State, &sess.AutoPaused,
			&sess.PauseReason, &penaltyUntil, &sess.LastError, &lastActive,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.PenaltyUntil = penaltyUntil.Time
		sess.LastActive = lastActive.Time
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *sessionStore) DeleteSession(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE phone = ?`, phone)
	return err
}
