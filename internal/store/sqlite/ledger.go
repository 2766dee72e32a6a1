package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

type ledgerStore struct {
	db *sql.DB
}

func (s *ledgerStore) InsertPending(ctx context.Context, r *model.ForwardRecord) error {
	now := time.Now()
	r.Status = model.StatusPending
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forward_ledger (source_channel_id, source_message_id, recipient_user_id,
			session_phone, forwarded_message_id, status, retry_count, error_message, grouped_id,
			created_at, updated_at)
		VALUES (?,?,?,?,'',?,0,'',?,?,?)
		ON CONFLICT (source_channel_id, source_message_id, recipient_user_id) DO NOTHING`,
		r.SourceChannelID, r.SourceMessageID, r.RecipientUserID, r.SessionPhone,
		model.StatusPending, r.GroupedID, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *ledgerStore) transition(ctx context.Context, key model.Key, to model.ForwardStatus, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current model.ForwardStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM forward_ledger
		WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
		key.SourceChannelID, key.SourceMessageID, key.RecipientUserID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !model.CanTransition(current, to) {
		return fmt.Errorf("illegal ledger transition %s -> %s for %+v", current, to, key)
	}

	if err := apply(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ledgerStore) MarkSent(ctx context.Context, key model.Key, forwardedMessageID string) error {
	return s.transition(ctx, key, model.StatusSent, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=?, forwarded_message_id=?, updated_at=?
			WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
			model.StatusSent, forwardedMessageID, time.Now(),
			key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *ledgerStore) MarkFailed(ctx context.Context, key model.Key, errMsg string) error {
	return s.transition(ctx, key, model.StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=?, error_message=?, updated_at=?
			WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
			model.StatusFailed, errMsg, time.Now(),
			key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *ledgerStore) MarkSkipped(ctx context.Context, key model.Key, reason string) error {
	return s.transition(ctx, key, model.StatusSkipped, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=?, error_message=?, updated_at=?
			WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
			model.StatusSkipped, reason, time.Now(),
			key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *ledgerStore) MarkDeleted(ctx context.Context, key model.Key) error {
	return s.transition(ctx, key, model.StatusDeleted, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=?, forwarded_message_id='', updated_at=?
			WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
			model.StatusDeleted, time.Now(),
			key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *ledgerStore) IncrementRetry(ctx context.Context, key model.Key) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE forward_ledger SET retry_count = retry_count + 1, updated_at = ?
		WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
		time.Now(), key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, store.ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT retry_count FROM forward_ledger
		WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
		key.SourceChannelID, key.SourceMessageID, key.RecipientUserID,
	).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *ledgerStore) Get(ctx context.Context, key model.Key) (*model.ForwardRecord, error) {
	var r model.ForwardRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE source_channel_id=? AND source_message_id=? AND recipient_user_id=?`,
		key.SourceChannelID, key.SourceMessageID, key.RecipientUserID,
	).Scan(&r.SourceChannelID, &r.SourceMessageID, &r.RecipientUserID, &r.SessionPhone,
		&r.ForwardedMessageID, &r.Status, &r.RetryCount, &r.ErrorMessage, &r.GroupedID,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ledgerStore) FindSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.ForwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		model.StatusSent, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *ledgerStore) FindBySourceMessage(ctx context.Context, channelID, messageID string) ([]*model.ForwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE source_channel_id = ? AND source_message_id = ?`,
		channelID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*model.ForwardRecord, error) {
	var out []*model.ForwardRecord
	for rows.Next() {
		var r model.ForwardRecord
		if err := rows.Scan(&r.SourceChannelID, &r.SourceMessageID, &r.RecipientUserID, &r.SessionPhone,
			&r.ForwardedMessageID, &r.Status, &r.RetryCount, &r.ErrorMessage, &r.GroupedID,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
