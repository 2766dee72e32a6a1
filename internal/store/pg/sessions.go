package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

// SessionStore implements store.SessionStore backed by Postgres.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) GetSession(ctx context.Context, phone string) (*model.Session, error) {
	var sess model.Session
	var penaltyUntil, lastActive sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, user_id, credential, state, auto_paused, pause_reason,
		       penalty_until, last_error, last_active, created_at, updated_at
		FROM sessions WHERE phone = $1`, phone,
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

// UpsertSession inserts a new session or replaces an existing one wholesale.
func (s *SessionStore) UpsertSession(ctx context.Context, sess *model.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (phone, user_id, credential, state, auto_paused, pause_reason,
		                       penalty_until, last_error, last_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (phone) DO UPDATE SET
			user_id = EXCLUDED.user_id, credential = EXCLUDED.credential,
			state = EXCLUDED.state, auto_paused = EXCLUDED.auto_paused,
			pause_reason = EXCLUDED.pause_reason, penalty_until = EXCLUDED.penalty_until,
			last_error = EXCLUDED.last_error, last_active = EXCLUDED.last_active,
			updated_at = EXCLUDED.updated_at`,
		sess.Phone, sess.UserID, sess.Credential, sess.State, sess.AutoPaused, sess.PauseReason,
		nullTime(sess.PenaltyUntil), sess.LastError, nullTime(sess.LastActive),
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *SessionStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET user_id=$1, credential=$2, state=$3, auto_paused=$4,
			pause_reason=$5, penalty_until=$6, last_error=$7, last_active=$8, updated_at=$9
		WHERE phone = $10`,
		sess.UserID, sess.Credential, sess.State, sess.AutoPaused, sess.PauseReason,
		nullTime(sess.PenaltyUntil), sess.LastError, nullTime(sess.LastActive),
		sess.UpdatedAt, sess.Phone)
	return err
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]*model.Session, error) {
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

func (s *SessionStore) DeleteSession(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE phone = $1`, phone)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
