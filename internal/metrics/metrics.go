// Package metrics exposes the forwarding engine's Prometheus counters
// (spec §3): messages sent/failed and flood/spam events, labeled by
// session and channel, plus the HTTP handler that serves them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/telefwd/internal/store"
)

// Collector wraps the live Prometheus counters. It is the primary metrics
// surface; writes also flow to store.MetricsStore so snapshots survive a
// restart and the control API can serve historical buckets.
type Collector struct {
	sent   *prometheus.CounterVec
	failed *prometheus.CounterVec
	flood  *prometheus.CounterVec
	spam   *prometheus.CounterVec

	persist store.MetricsStore
}

func New(reg prometheus.Registerer, persist store.MetricsStore) *Collector {
	factory := promauto.With(reg)
	labels := []string{"session", "channel"}
	return &Collector{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telefwd",
			Name:      "messages_sent_total",
			Help:      "Forwarded messages successfully delivered.",
		}, labels),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telefwd",
			Name:      "messages_failed_total",
			Help:      "Forward attempts that exhausted retries.",
		}, labels),
		flood: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telefwd",
			Name:      "flood_events_total",
			Help:      "Rate-limit (flood wait) responses observed from the platform.",
		}, labels),
		spam: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telefwd",
			Name:      "spam_events_total",
			Help:      "Spam warnings observed from the platform.",
		}, labels),
		persist: persist,
	}
}

func (c *Collector) MessageSent(ctx context.Context, session, channel string) {
	c.sent.WithLabelValues(session, channel).Inc()
	c.bump(ctx, c.persist.IncrementSent, session, channel)
}

func (c *Collector) MessageFailed(ctx context.Context, session, channel string) {
	c.failed.WithLabelValues(session, channel).Inc()
	c.bump(ctx, c.persist.IncrementFailed, session, channel)
}

func (c *Collector) FloodEvent(ctx context.Context, session, channel string) {
	c.flood.WithLabelValues(session, channel).Inc()
	c.bump(ctx, c.persist.IncrementFlood, session, channel)
}

func (c *Collector) SpamEvent(ctx context.Context, session, channel string) {
	c.spam.WithLabelValues(session, channel).Inc()
	c.bump(ctx, c.persist.IncrementSpam, session, channel)
}

func (c *Collector) bump(ctx context.Context, fn func(context.Context, string, string) error, session, channel string) {
	if c.persist == nil {
		return
	}
	_ = fn(ctx, session, channel)
}

// Handler returns the /metrics HTTP handler for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
