package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

func metricsBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

type metricsStore struct {
	db *sql.DB
}

func (s *metricsStore) bump(ctx context.Context, phone, channelID, column string) error {
	bucket := metricsBucket(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_points (session_phone, channel_id, bucket_start, `+column+`)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (session_phone, channel_id, bucket_start)
		DO UPDATE SET `+column+` = `+column+` + 1`,
		phone, channelID, bucket)
	return err
}

func (s *metricsStore) IncrementSent(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "messages_sent")
}

func (s *metricsStore) IncrementFailed(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "messages_failed")
}

func (s *metricsStore) IncrementFlood(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "flood_events")
}

func (s *metricsStore) IncrementSpam(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "spam_events")
}

func (s *metricsStore) Snapshot(ctx context.Context) ([]model.MetricsPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_phone, channel_id, messages_sent, messages_failed,
		       flood_events, spam_events, bucket_start
		FROM metrics_points ORDER BY bucket_start DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MetricsPoint
	for rows.Next() {
		var p model.MetricsPoint
		if err := rows.Scan(&p.SessionPhone, &p.ChannelID, &p.MessagesSent, &p.MessagesFailed,
			&p.FloodEvents, &p.SpamEvents, &p.BucketStart); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
