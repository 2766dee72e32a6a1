package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

type channelStore struct {
	db *sql.DB
}

func (s *channelStore) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var c model.Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, title, username, member_count, forward_enabled,
		       base_delay_ms, per_member_delay_ms, min_delay_ms, max_delay_ms,
		       owning_session, created_at, updated_at
		FROM channels WHERE channel_id = ?`, channelID,
	).Scan(&c.ChannelID, &c.Title, &c.Username, &c.MemberCount, &c.ForwardEnabled,
		&c.Throttle.BaseDelayMs, &c.Throttle.PerMemberDelayMs, &c.Throttle.MinDelayMs, &c.Throttle.MaxDelayMs,
		&c.OwningSession, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *channelStore) UpsertChannel(ctx context.Context, c *model.Channel) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, title, username, member_count, forward_enabled,
		                       base_delay_ms, per_member_delay_ms, min_delay_ms, max_delay_ms,
		                       owning_session, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (channel_id) DO UPDATE SET
			title=excluded.title, username=excluded.username, member_count=excluded.member_count,
			forward_enabled=excluded.forward_enabled, base_delay_ms=excluded.base_delay_ms,
			per_member_delay_ms=excluded.per_member_delay_ms, min_delay_ms=excluded.min_delay_ms,
			max_delay_ms=excluded.max_delay_ms, owning_session=excluded.owning_session,
			updated_at=excluded.updated_at`,
		c.ChannelID, c.Title, c.Username, c.MemberCount, boolToInt(c.ForwardEnabled),
		c.Throttle.BaseDelayMs, c.Throttle.PerMemberDelayMs, c.Throttle.MinDelayMs, c.Throttle.MaxDelayMs,
		c.OwningSession, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *channelStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, title, username, member_count, forward_enabled,
		       base_delay_ms, per_member_delay_ms, min_delay_ms, max_delay_ms,
		       owning_session, created_at, updated_at
		FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Channel
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.ChannelID, &c.Title, &c.Username, &c.MemberCount, &c.ForwardEnabled,
			&c.Throttle.BaseDelayMs, &c.Throttle.PerMemberDelayMs, &c.Throttle.MinDelayMs, &c.Throttle.MaxDelayMs,
			&c.OwningSession, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *channelStore) SetForwardEnabled(ctx context.Context, channelID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET forward_enabled = ?, updated_at = ? WHERE channel_id = ?`,
		boolToInt(enabled), time.Now(), channelID)
	return err
}
