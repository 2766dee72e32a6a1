// Package dispatcher implements the Forwarding Dispatcher (spec §4.6): it
// resolves eligible recipients, chunks the fan-out, runs each recipient's
// send through the session's queue and the rate governor, retries
// transient failures with backoff, and writes every attempt to the ledger.
package dispatcher

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/telefwd/internal/governor"
	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/queue"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// Config mirrors config.DispatchConfig + config.RetryConfig without
// importing config directly.
type Config struct {
	ChunkSize         int
	InterChunkDelayMs int
	MaxAttempts       int
	BaseDelayMs       int
	MaxDelayMs        int
}

// Outcome aggregates one dispatch run's results, per spec §4.6's
// {total, successful, failed, skipped} return shape.
type Outcome struct {
	RunID      string
	Total      int
	Successful int
	Failed     int
	Skipped    int

	// Quarantine is set when a recipient send surfaced a rate-limit or
	// spam-warning signal. Per spec §7, these are never recovered locally;
	// the caller (engine) must quarantine the session rather than let the
	// dispatcher retry.
	Quarantine *QuarantineSignal
}

// QuarantineSignal carries what the caller needs to quarantine a session:
// the triggering classification and, for rate limiting, the
// platform-suggested wait.
type QuarantineSignal struct {
	Kind       transport.ErrorKind
	RetryAfter time.Duration
}

// Dispatcher fans a source message out to a recipient set.
type Dispatcher struct {
	cfg      Config
	governor *governor.Governor
	queue    *queue.Manager
	ledger   store.LedgerStore
}

func New(cfg Config, g *governor.Governor, q *queue.Manager, ledger store.LedgerStore) *Dispatcher {
	return &Dispatcher{cfg: cfg, governor: g, queue: q, ledger: ledger}
}

// Dispatch forwards msg from sourceChannel to every recipient in chunks of
// cfg.ChunkSize, waiting cfg.InterChunkDelayMs between chunks. Recipients
// must already exclude bots and operators (spec §4.6's "members minus
// active operators" resolution is the caller's responsibility, done by the
// engine's eligibleRecipients, since it needs the operator roster).
func (d *Dispatcher) Dispatch(ctx context.Context, sessionPhone string, sourceChannel *model.Channel, sourceMessageID string, msg transport.Message, recipients []model.User, client transport.Client) (Outcome, error) {
	runID := uuid.NewString()[:8]
	out := Outcome{RunID: runID, Total: len(recipients)}

	slog.Info("dispatch started", "run_id", runID, "channel", sourceChannel.ChannelID,
		"message_id", sourceMessageID, "recipients", len(recipients))

	chunkSize := d.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(recipients)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := recipients[start:end]

		results := make(chan sendOutcome, len(chunk))
		for _, recipient := range chunk {
			recipient := recipient
			go func() {
				results <- d.sendOne(ctx, runID, sessionPhone, sourceChannel, sourceMessageID, msg, recipient, client)
			}()
		}
		for range chunk {
			res := <-results
			switch res.status {
			case resultSent:
				out.Successful++
			case resultFailed:
				out.Failed++
			case resultSkipped:
				out.Skipped++
			}
			if res.quarantine != nil && out.Quarantine == nil {
				out.Quarantine = res.quarantine
			}
		}

		if out.Quarantine != nil {
			slog.Warn("dispatch aborted: session requires quarantine", "run_id", runID,
				"kind", out.Quarantine.Kind, "sent_so_far", out.Successful+out.Failed+out.Skipped, "total", out.Total)
			break
		}

		if end < len(recipients) && d.cfg.InterChunkDelayMs > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(time.Duration(d.cfg.InterChunkDelayMs) * time.Millisecond):
			}
		}
	}

	slog.Info("dispatch complete", "run_id", runID, "successful", out.Successful,
		"failed", out.Failed, "skipped", out.Skipped)
	return out, nil
}

type result int

const (
	resultSent result = iota
	resultFailed
	resultSkipped
)

// sendOutcome pairs one recipient's result with an optional quarantine
// signal, so Dispatch can aggregate both off the same results channel.
type sendOutcome struct {
	status     result
	quarantine *QuarantineSignal
}

func (d *Dispatcher) sendOne(ctx context.Context, runID, sessionPhone string, ch *model.Channel, sourceMessageID string, msg transport.Message, recipient model.User, client transport.Client) sendOutcome {
	key := model.Key{SourceChannelID: ch.ChannelID, SourceMessageID: sourceMessageID, RecipientUserID: recipient.UserID}

	if err := d.ledger.InsertPending(ctx, &model.ForwardRecord{
		SourceChannelID: ch.ChannelID,
		SourceMessageID: sourceMessageID,
		RecipientUserID: recipient.UserID,
		SessionPhone:    sessionPhone,
		GroupedID:       msg.GroupedID,
	}); err != nil {
		slog.Warn("dispatch: insert pending failed", "run_id", runID, "recipient", recipient.UserID, "error", err)
		return sendOutcome{status: resultFailed}
	}

	var sendErr error
	var quarantine *QuarantineSignal
	taskErr := d.queue.Submit(ctx, sessionPhone, func(ctx context.Context) error {
		sendErr, quarantine = d.attemptWithRetry(ctx, sessionPhone, ch, sourceMessageID, recipient, msg, client)
		return sendErr
	})
	if taskErr != nil && sendErr == nil {
		sendErr = taskErr
	}

	if sendErr == nil {
		return sendOutcome{status: resultSent}
	}

	classified := transport.Classify(sendErr)
	if classified != nil && classified.Kind == transport.KindRecipientGone {
		if err := d.ledger.MarkSkipped(ctx, key, sendErr.Error()); err != nil {
			slog.Warn("dispatch: mark skipped failed", "run_id", runID, "recipient", recipient.UserID, "error", err)
		}
		return sendOutcome{status: resultSkipped}
	}

	if err := d.ledger.MarkFailed(ctx, key, sendErr.Error()); err != nil {
		slog.Warn("dispatch: mark failed failed", "run_id", runID, "recipient", recipient.UserID, "error", err)
	}
	return sendOutcome{status: resultFailed, quarantine: quarantine}
}

// attemptWithRetry sends to one recipient, retrying transient failures with
// exponential backoff + jitter capped at cfg.MaxDelayMs. Rate-limit and
// spam-warning signals are never retried locally (spec §7): the send aborts
// immediately and reports a QuarantineSignal for the caller to act on.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, sessionPhone string, ch *model.Channel, sourceMessageID string, recipient model.User, msg transport.Message, client transport.Client) (error, *QuarantineSignal) {
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	key := model.Key{SourceChannelID: ch.ChannelID, SourceMessageID: sourceMessageID, RecipientUserID: recipient.UserID}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.governor.Acquire(ctx, sessionPhone, ch.ChannelID, recipient.UserID, ch.Throttle.Gap(ch.MemberCount)); err != nil {
			return err, nil
		}

		forwardedID, err := client.Send(ctx, recipient.UserID, msg)
		if err == nil {
			return d.ledger.MarkSent(ctx, key, forwardedID), nil
		}

		lastErr = err
		classified := transport.Classify(err)
		if classified.Kind == transport.KindRateLimited || classified.Kind == transport.KindSpamWarning {
			return err, &QuarantineSignal{Kind: classified.Kind, RetryAfter: classified.RetryAfter}
		}
		if !retryable(classified.Kind) || attempt == maxAttempts {
			return err, nil
		}

		if _, incErr := d.ledger.IncrementRetry(ctx, key); incErr != nil {
			slog.Warn("dispatch: increment retry failed", "recipient", recipient.UserID, "error", incErr)
		}

		wait := d.backoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err(), nil
		case <-time.After(wait):
		}
	}
	return lastErr, nil
}

// retryable reports whether a kind may be retried locally with backoff.
// Rate-limit and spam-warning are handled separately as quarantine triggers
// (spec §7: "never recovered locally"); every other kind besides a
// transient network error is a terminal failure.
func retryable(kind transport.ErrorKind) bool {
	return kind == transport.KindNetwork
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.cfg.BaseDelayMs
	if base <= 0 {
		base = 1000
	}
	maxMs := d.cfg.MaxDelayMs
	if maxMs <= 0 {
		maxMs = 30000
	}

	expMs := float64(base) * math.Pow(2, float64(attempt-1))
	if expMs > float64(maxMs) {
		expMs = float64(maxMs)
	}
	jitter := expMs * 0.2 * (rand.Float64()*2 - 1)
	ms := expMs + jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
