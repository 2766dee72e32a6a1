package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

// ChannelStore implements store.ChannelStore backed by Postgres.
type ChannelStore struct {
	db *sql.DB
}

func NewChannelStore(db *sql.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

func (s *ChannelStore) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var c model.Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, title, username, member_count, forward_enabled,
		       base_delay_ms, per_member_delay_ms, min_delay_ms, max_delay_ms,
		       owning_session, created_at, updated_at
		FROM channels WHERE channel_id = $1`, channelID,
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

func (s *ChannelStore) UpsertChannel(ctx context.Context, c *model.Channel) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, title, username, member_count, forward_enabled,
		                       base_delay_ms, per_member_delay_ms, min_delay_ms, max_delay_ms,
		                       owning_session, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (channel_id) DO UPDATE SET
			title = EXCLUDED.title, username = EXCLUDED.username,
			member_count = EXCLUDED.member_count, forward_enabled = EXCLUDED.forward_enabled,
			base_delay_ms = EXCLUDED.base_delay_ms, per_member_delay_ms = EXCLUDED.per_member_delay_ms,
			min_delay_ms = EXCLUDED.min_delay_ms, max_delay_ms = EXCLUDED.max_delay_ms,
			owning_session = EXCLUDED.owning_session, updated_at = EXCLUDED.updated_at`,
		c.ChannelID, c.Title, c.Username, c.MemberCount, c.ForwardEnabled,
		c.Throttle.BaseDelayMs, c.Throttle.PerMemberDelayMs, c.Throttle.MinDelayMs, c.Throttle.MaxDelayMs,
		c.OwningSession, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *ChannelStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
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

func (s *ChannelStore) SetForwardEnabled(ctx context.Context, channelID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET forward_enabled = $1, updated_at = now() WHERE channel_id = $2`,
		enabled, channelID)
	return err
}
