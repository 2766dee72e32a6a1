package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

// metricsBucket truncates to the hour, so each metrics row counts one
// session/channel pair for one hour.
func metricsBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// MetricsStore implements store.MetricsStore backed by Postgres. Prometheus
// (internal/metrics) is the live counter surface; this store is the durable
// per-hour rollup used for historical /stats queries.
type MetricsStore struct {
	db *sql.DB
}

func NewMetricsStore(db *sql.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

func (s *MetricsStore) bump(ctx context.Context, phone, channelID, column string) error {
	bucket := metricsBucket(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_points (session_phone, channel_id, bucket_start, `+column+`)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (session_phone, channel_id, bucket_start)
		DO UPDATE SET `+column+` = metrics_points.`+column+` + 1`,
		phone, channelID, bucket)
	return err
}

func (s *MetricsStore) IncrementSent(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "messages_sent")
}

func (s *MetricsStore) IncrementFailed(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "messages_failed")
}

func (s *MetricsStore) IncrementFlood(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "flood_events")
}

func (s *MetricsStore) IncrementSpam(ctx context.Context, phone, channelID string) error {
	return s.bump(ctx, phone, channelID, "spam_events")
}

func (s *MetricsStore) Snapshot(ctx context.Context) ([]model.MetricsPoint, error) {
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
