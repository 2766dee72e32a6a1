package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

// LedgerStore implements store.LedgerStore backed by Postgres. Every
// transition method updates status conditionally on the row's current
// status so a concurrent writer can never push the row across an edge the
// status DAG (model.CanTransition) forbids.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) InsertPending(ctx context.Context, r *model.ForwardRecord) error {
	now := time.Now()
	r.Status = model.StatusPending
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forward_ledger (source_channel_id, source_message_id, recipient_user_id,
			session_phone, forwarded_message_id, status, retry_count, error_message, grouped_id,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,'',$5,0,'',$6,$7,$8)
		ON CONFLICT (source_channel_id, source_message_id, recipient_user_id) DO NOTHING`,
		r.SourceChannelID, r.SourceMessageID, r.RecipientUserID, r.SessionPhone,
		model.StatusPending, r.GroupedID, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *LedgerStore) transition(ctx context.Context, key model.Key, to model.ForwardStatus, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current model.ForwardStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM forward_ledger
		WHERE source_channel_id=$1 AND source_message_id=$2 AND recipient_user_id=$3
		FOR UPDATE`,
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

func (s *LedgerStore) MarkSent(ctx context.Context, key model.Key, forwardedMessageID string) error {
	return s.transition(ctx, key, model.StatusSent, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=$1, forwarded_message_id=$2, updated_at=now()
			WHERE source_channel_id=$3 AND source_message_id=$4 AND recipient_user_id=$5`,
			model.StatusSent, forwardedMessageID, key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *LedgerStore) MarkFailed(ctx context.Context, key model.Key, errMsg string) error {
	return s.transition(ctx, key, model.StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=$1, error_message=$2, updated_at=now()
			WHERE source_channel_id=$3 AND source_message_id=$4 AND recipient_user_id=$5`,
			model.StatusFailed, errMsg, key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *LedgerStore) MarkSkipped(ctx context.Context, key model.Key, reason string) error {
	return s.transition(ctx, key, model.StatusSkipped, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=$1, error_message=$2, updated_at=now()
			WHERE source_channel_id=$3 AND source_message_id=$4 AND recipient_user_id=$5`,
			model.StatusSkipped, reason, key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *LedgerStore) MarkDeleted(ctx context.Context, key model.Key) error {
	return s.transition(ctx, key, model.StatusDeleted, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE forward_ledger SET status=$1, forwarded_message_id='', updated_at=now()
			WHERE source_channel_id=$2 AND source_message_id=$3 AND recipient_user_id=$4`,
			model.StatusDeleted, key.SourceChannelID, key.SourceMessageID, key.RecipientUserID)
		return err
	})
}

func (s *LedgerStore) IncrementRetry(ctx context.Context, key model.Key) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE forward_ledger SET retry_count = retry_count + 1, updated_at = now()
		WHERE source_channel_id=$1 AND source_message_id=$2 AND recipient_user_id=$3
		RETURNING retry_count`,
		key.SourceChannelID, key.SourceMessageID, key.RecipientUserID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return count, err
}

func (s *LedgerStore) Get(ctx context.Context, key model.Key) (*model.ForwardRecord, error) {
	var r model.ForwardRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE source_channel_id=$1 AND source_message_id=$2 AND recipient_user_id=$3`,
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

func (s *LedgerStore) FindSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.ForwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`,
		model.StatusSent, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *LedgerStore) FindBySourceMessage(ctx context.Context, channelID, messageID string) ([]*model.ForwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_channel_id, source_message_id, recipient_user_id, session_phone,
		       forwarded_message_id, status, retry_count, error_message, grouped_id,
		       created_at, updated_at
		FROM forward_ledger
		WHERE source_channel_id = $1 AND source_message_id = $2`,
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
