// Package revocation implements the Revocation Worker (spec §4.7): it
// deletes forwarded copies once the source message is gone, either because
// a channel delete event arrived or because the message aged past the
// retention window.
package revocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/queue"
	"github.com/nextlevelbuilder/telefwd/internal/schedule"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// SessionClients resolves the transport client responsible for a forwarded
// copy's session, so the worker can issue the delete call for it.
type SessionClients interface {
	Client(phone string) (transport.Client, bool)
}

// Config mirrors config.RetentionConfig.
type Config struct {
	MessageAgeHours      int
	CleanupIntervalHours int
	CleanupCron          string
	SweepBatchSize       int
}

// Worker runs the scheduled sweep and handles event-driven deletes. Every
// delete call is submitted on the owning session's queue, so it is totally
// ordered against that session's dispatcher sends and membership sync calls
// (spec §5) rather than racing them directly against the transport client.
type Worker struct {
	cfg     Config
	ledger  store.LedgerStore
	clients SessionClients
	queue   *queue.Manager
}

func New(cfg Config, ledger store.LedgerStore, clients SessionClients, q *queue.Manager) *Worker {
	return &Worker{cfg: cfg, ledger: ledger, clients: clients, queue: q}
}

// Run drives the periodic age-based sweep until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.CleanupIntervalHours) * time.Hour
	schedule.Run(ctx, w.cfg.CleanupCron, interval, w.sweepAged)
}

func (w *Worker) sweepAged(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.MessageAgeHours) * time.Hour)
	limit := w.cfg.SweepBatchSize
	if limit <= 0 {
		limit = 500
	}

	records, err := w.ledger.FindSentOlderThan(ctx, cutoff, limit)
	if err != nil {
		slog.Error("revocation: sweep query failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	slog.Info("revocation: sweeping aged forwards", "count", len(records), "cutoff", cutoff)
	for _, r := range records {
		w.revokeOne(ctx, r)
	}
}

// OnChannelDelete handles an event-driven delete (spec §4.7): the source
// message was deleted in its origin channel, so every forwarded copy of it
// must be revoked immediately rather than waiting for the age sweep.
func (w *Worker) OnChannelDelete(ctx context.Context, channelID, sourceMessageID string) {
	records, err := w.ledger.FindBySourceMessage(ctx, channelID, sourceMessageID)
	if err != nil {
		slog.Error("revocation: lookup by source message failed", "channel", channelID, "message", sourceMessageID, "error", err)
		return
	}
	for _, r := range records {
		if r.Status == model.StatusSent {
			w.revokeOne(ctx, r)
		}
	}
}

func (w *Worker) revokeOne(ctx context.Context, r *model.ForwardRecord) {
	key := r.Key()
	client, ok := w.clients.Client(r.SessionPhone)
	if !ok {
		slog.Warn("revocation: no live client for session, marking deleted anyway", "phone", r.SessionPhone)
		if err := w.ledger.MarkDeleted(ctx, key); err != nil {
			slog.Error("revocation: mark deleted failed", "key", key, "error", err)
		}
		return
	}

	var delErr error
	taskErr := w.queue.Submit(ctx, r.SessionPhone, func(ctx context.Context) error {
		delErr = client.Delete(ctx, r.RecipientUserID, r.ForwardedMessageID)
		return delErr
	})
	if taskErr != nil && delErr == nil {
		delErr = taskErr
	}

	if delErr != nil {
		if classified := transport.Classify(delErr); classified.Kind != transport.KindNotFound {
			slog.Warn("revocation: delete call failed, will retry next sweep", "key", key, "error", delErr)
			return
		}
	}

	// A not-found delete means the copy is already gone upstream; the
	// ledger transition still applies so retries stop.
	if err := w.ledger.MarkDeleted(ctx, key); err != nil {
		slog.Error("revocation: mark deleted failed", "key", key, "error", err)
	}
}
