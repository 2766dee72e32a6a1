// Package engine wires the forwarding engine's components together:
// config, persistence, rate governor, per-session queues, the session
// supervisor, the event router, the dispatcher, the revocation worker,
// the membership synchronizer, metrics, telemetry, and the control
// surface. It is the single place that knows about every package.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/telefwd/internal/config"
	"github.com/nextlevelbuilder/telefwd/internal/control"
	"github.com/nextlevelbuilder/telefwd/internal/dispatcher"
	"github.com/nextlevelbuilder/telefwd/internal/governor"
	"github.com/nextlevelbuilder/telefwd/internal/membership"
	"github.com/nextlevelbuilder/telefwd/internal/metrics"
	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/queue"
	"github.com/nextlevelbuilder/telefwd/internal/revocation"
	"github.com/nextlevelbuilder/telefwd/internal/router"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/supervisor"
	"github.com/nextlevelbuilder/telefwd/internal/telemetry"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// Engine is the assembled forwarding system. It implements
// control.Operations so the control API can drive it directly.
type Engine struct {
	cfg    *config.Config
	stores *store.Stores

	gov        *governor.Governor
	queue      *queue.Manager
	sup        *supervisor.Supervisor
	rtr        *router.Router
	disp       *dispatcher.Dispatcher
	revoker    *revocation.Worker
	sync       *membership.Synchronizer
	collector  *metrics.Collector
	registry   *prometheus.Registry
	tracer     trace.Tracer
	shutdown   telemetry.Shutdowner
	feed       *control.Feed
	controlSrv *control.Server

	mu      sync.RWMutex
	clients map[string]*activeClient
}

type activeClient struct {
	client transport.Client
	userID string
}

// New assembles every component from cfg against the given persistence
// backend and transport factory, without starting anything.
func New(ctx context.Context, cfg *config.Config, stores *store.Stores, tf transport.Factory) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		stores:  stores,
		clients: make(map[string]*activeClient),
	}

	e.gov = governor.New(governor.Config{
		GlobalCapacity:         cfg.Rate.GlobalCapacity,
		GlobalRefillPerMinute:  cfg.Rate.GlobalRefillPerMinute,
		SessionTokensPerMinute: cfg.Rate.SessionTokensPerMinute,
		RecipientMinGapMs:      cfg.Rate.RecipientMinGapMs,
		JitterFraction:         cfg.Rate.JitterFraction,
	})

	e.queue = queue.New(queue.Config{
		MinInterTaskDelayMs: cfg.Queue.MinInterTaskDelayMs,
		MaxInterTaskDelayMs: cfg.Queue.MaxInterTaskDelayMs,
	})

	e.disp = dispatcher.New(dispatcher.Config{
		ChunkSize:         cfg.Dispatch.ChunkSize,
		InterChunkDelayMs: cfg.Dispatch.InterChunkDelayMs,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelayMs:       cfg.Retry.BaseDelayMs,
		MaxDelayMs:        cfg.Retry.MaxDelayMs,
	}, e.gov, e.queue, stores.Ledger)

	e.revoker = revocation.New(revocation.Config{
		MessageAgeHours:      cfg.Retention.MessageAgeHours,
		CleanupIntervalHours: cfg.Retention.CleanupIntervalHours,
		CleanupCron:          cfg.Retention.CleanupCron,
	}, stores.Ledger, e, e.queue)

	e.rtr = router.New(router.Handlers{
		OnNew:          e.handleNew,
		OnEdit:         e.handleEdit,
		OnDelete:       e.handleDelete,
		OnMemberUpdate: e.handleMemberUpdate,
	})

	e.sync = membership.New(membership.Config{
		SyncIntervalMinutes: cfg.Membership.SyncIntervalMinutes,
		SyncCron:            cfg.Membership.SyncCron,
		MaxParticipants:     cfg.Membership.MaxParticipants,
	}, stores.Channels, stores.Members, e, e.rtr, e.queue)

	e.sup = supervisor.New(supervisor.Config{
		ResumeCheckIntervalSeconds: cfg.Supervisor.ResumeCheckIntervalSeconds,
		ResumeCheckCron:            cfg.Supervisor.ResumeCheckCron,
		SpamBackoff:                cfg.Supervisor.SpamBackoff,
	}, stores.Sessions, tf, supervisor.Hooks{
		OnConnected: e.onConnected,
		OnEvent:     e.onEvent,
	})

	tracer, shutdownFn, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: telemetry setup: %w", err)
	}
	e.tracer = tracer
	e.shutdown = shutdownFn

	e.registry = prometheus.NewRegistry()
	e.collector = metrics.New(e.registry, stores.Metrics)
	e.feed = control.NewFeed()
	e.controlSrv = control.NewServer(control.Config{
		Host:  cfg.Control.Host,
		Port:  cfg.Control.Port,
		Token: cfg.Control.Token,
	}, e, e.feed)

	return e, nil
}

// ControlServer exposes the assembled control HTTP surface for cmd/serve.go.
func (e *Engine) ControlServer() *control.Server { return e.controlSrv }

// MetricsHandler serves the Prometheus exposition format for /metrics.
func (e *Engine) MetricsHandler() http.Handler { return metrics.Handler(e.registry) }

// Start connects every active or inactive session already in the store
// (paused and errored sessions are left alone) and kicks off the
// background sweeps (resume checks, membership sync, revocation sweep).
func (e *Engine) Start(ctx context.Context) error {
	sessions, err := e.stores.Sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("engine: list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.State == model.SessionActive || s.State == model.SessionInactive {
			if err := e.startSession(ctx, s.Phone); err != nil {
				slog.Error("engine: failed to start session", "phone", s.Phone, "error", err)
			}
		}
	}

	go e.sup.RunResumeSweep(ctx, e.startSession)
	go e.sync.Run(ctx)
	go e.revoker.Run(ctx)

	return nil
}

// Stop tears down background work and flushes telemetry.
func (e *Engine) Stop(ctx context.Context) {
	e.queue.StopAll()
	if e.shutdown != nil {
		if err := e.shutdown(ctx); err != nil {
			slog.Warn("engine: telemetry shutdown failed", "error", err)
		}
	}
}

func (e *Engine) startSession(ctx context.Context, phone string) error {
	channels, err := e.stores.Channels.ListChannels(ctx)
	if err != nil {
		return err
	}
	var channelIDs []string
	for _, ch := range channels {
		if ch.OwningSession == phone {
			channelIDs = append(channelIDs, ch.ChannelID)
		}
	}
	e.queue.Start(ctx, phone)
	return e.sup.Start(ctx, phone, channelIDs)
}

func (e *Engine) onConnected(ctx context.Context, phone string, client transport.Client, channelIDs []string) error {
	session, err := e.stores.Sessions.GetSession(ctx, phone)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.clients[phone] = &activeClient{client: client, userID: session.UserID}
	e.mu.Unlock()

	return e.sync.SyncSession(ctx, membership.ActiveSession{Phone: phone, UserID: session.UserID, Client: client})
}

func (e *Engine) onEvent(ctx context.Context, phone string, ev transport.Event) {
	e.mu.RLock()
	ac, ok := e.clients[phone]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.rtr.Handle(ctx, phone, ac.userID, ac.client, ev)
}

func (e *Engine) handleNew(ctx context.Context, phone, channelID string, msg transport.Message) {
	e.dispatchMessage(ctx, phone, channelID, msg)
}

func (e *Engine) handleEdit(ctx context.Context, phone, channelID string, msg transport.Message) {
	slog.Info("forwarding: edit observed, not propagated", "phone", phone, "channel", channelID, "message_id", msg.MessageID)
}

func (e *Engine) handleDelete(ctx context.Context, phone, channelID string, messageIDs []string) {
	for _, id := range messageIDs {
		e.revoker.OnChannelDelete(ctx, channelID, id)
	}
}

func (e *Engine) handleMemberUpdate(ctx context.Context, phone, channelID string) {
	e.mu.RLock()
	ac, ok := e.clients[phone]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if err := e.sync.SyncSession(ctx, membership.ActiveSession{Phone: phone, UserID: ac.userID, Client: ac.client}); err != nil {
		slog.Error("engine: member-update resync failed", "phone", phone, "channel", channelID, "error", err)
	}
}

func (e *Engine) dispatchMessage(ctx context.Context, phone, channelID string, msg transport.Message) {
	channel, err := e.stores.Channels.GetChannel(ctx, channelID)
	if err != nil || !channel.IsMonitored() {
		return
	}

	recipients, err := e.eligibleRecipients(ctx, channelID)
	if err != nil {
		slog.Error("engine: resolving recipients failed", "channel", channelID, "error", err)
		return
	}

	e.mu.RLock()
	ac, ok := e.clients[phone]
	e.mu.RUnlock()
	if !ok {
		return
	}

	ctx, span := telemetry.StartDispatchSpan(ctx, e.tracer, msg.MessageID, channelID)
	defer span.End()

	out, err := e.disp.Dispatch(ctx, phone, channel, msg.MessageID, msg, recipients, ac.client)
	if err != nil {
		slog.Error("engine: dispatch failed", "channel", channelID, "error", err)
	}
	for i := 0; i < out.Successful; i++ {
		e.collector.MessageSent(ctx, phone, channelID)
	}
	for i := 0; i < out.Failed; i++ {
		e.collector.MessageFailed(ctx, phone, channelID)
	}
	e.feed.Broadcast(control.FeedEvent{
		Kind: "dispatch", Phone: phone, ChannelID: channelID,
		Detail:    fmt.Sprintf("%d/%d delivered, %d failed, %d skipped", out.Successful, out.Total, out.Failed, out.Skipped),
		Timestamp: time.Now(),
	})

	if out.Quarantine != nil {
		e.quarantineSession(ctx, phone, channelID, out.Quarantine)
	}
}

// quarantineSession handles a rate-limit or spam-warning signal surfaced by
// the dispatcher (spec §7: neither recovers locally). It records the
// triggering metric, pauses the session with the appropriate penalty, and
// tears down its live connection so no further sends race the quarantine.
func (e *Engine) quarantineSession(ctx context.Context, phone, channelID string, sig *dispatcher.QuarantineSignal) {
	penalty := sig.RetryAfter
	switch sig.Kind {
	case transport.KindRateLimited:
		e.collector.FloodEvent(ctx, phone, channelID)
		if penalty <= 0 {
			penalty = e.cfg.Supervisor.SpamBackoff
		}
	case transport.KindSpamWarning:
		e.collector.SpamEvent(ctx, phone, channelID)
		penalty = e.cfg.Supervisor.SpamBackoff
	}

	if err := e.sup.Quarantine(ctx, phone, string(sig.Kind), penalty); err != nil {
		slog.Error("engine: quarantine failed", "phone", phone, "error", err)
	}
	if err := e.sup.Stop(ctx, phone); err != nil {
		slog.Warn("engine: stop during quarantine failed", "phone", phone, "error", err)
	}
	e.mu.Lock()
	delete(e.clients, phone)
	e.mu.Unlock()

	slog.Warn("session quarantined", "phone", phone, "kind", sig.Kind, "penalty", penalty)
}

func (e *Engine) eligibleRecipients(ctx context.Context, channelID string) ([]model.User, error) {
	members, err := e.stores.Members.ListMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	operators, err := e.stores.Members.ListOperators(ctx)
	if err != nil {
		return nil, err
	}
	operatorSet := make(map[string]bool, len(operators))
	for _, op := range operators {
		if op.IsActive {
			operatorSet[op.UserID] = true
		}
	}

	recipients := make([]model.User, 0, len(members))
	for _, m := range members {
		if m.IsBot || operatorSet[m.UserID] {
			continue
		}
		recipients = append(recipients, m)
	}
	return recipients, nil
}

// Client implements revocation.SessionClients.
func (e *Engine) Client(phone string) (transport.Client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ac, ok := e.clients[phone]
	if !ok {
		return nil, false
	}
	return ac.client, true
}

// ActiveSessions implements membership.SessionClients.
func (e *Engine) ActiveSessions() []membership.ActiveSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]membership.ActiveSession, 0, len(e.clients))
	for phone, ac := range e.clients {
		out = append(out, membership.ActiveSession{Phone: phone, UserID: ac.userID, Client: ac.client})
	}
	return out
}

// AddSession implements control.Operations.
func (e *Engine) AddSession(ctx context.Context, phone, credential string) error {
	session := &model.Session{Phone: phone, Credential: credential, State: model.SessionInactive}
	if err := e.stores.Sessions.UpsertSession(ctx, session); err != nil {
		return err
	}
	return e.startSession(ctx, phone)
}

// PauseSession implements control.Operations.
func (e *Engine) PauseSession(ctx context.Context, phone, reason string) error {
	if err := e.sup.Pause(ctx, phone, reason); err != nil {
		return err
	}
	return e.sup.Stop(ctx, phone)
}

// ResumeSession implements control.Operations.
func (e *Engine) ResumeSession(ctx context.Context, phone string) error {
	session, err := e.stores.Sessions.GetSession(ctx, phone)
	if err != nil {
		return err
	}
	session.State = model.SessionInactive
	session.AutoPaused = false
	session.PauseReason = ""
	if err := e.stores.Sessions.UpdateSession(ctx, session); err != nil {
		return err
	}
	return e.startSession(ctx, phone)
}

// RemoveSession implements control.Operations.
func (e *Engine) RemoveSession(ctx context.Context, phone string) error {
	if err := e.sup.Stop(ctx, phone); err != nil {
		slog.Warn("engine: stop during remove failed", "phone", phone, "error", err)
	}
	e.queue.Stop(phone)
	e.mu.Lock()
	delete(e.clients, phone)
	e.mu.Unlock()
	return e.stores.Sessions.DeleteSession(ctx, phone)
}

// SetChannelForwarding implements control.Operations.
func (e *Engine) SetChannelForwarding(ctx context.Context, channelID string, enabled bool) error {
	return e.stores.Channels.SetForwardEnabled(ctx, channelID, enabled)
}

// ListSessions implements control.Operations.
func (e *Engine) ListSessions(ctx context.Context) ([]*model.Session, error) {
	return e.stores.Sessions.ListSessions(ctx)
}

// ListChannels implements control.Operations.
func (e *Engine) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	return e.stores.Channels.ListChannels(ctx)
}

// GetStatistics implements control.Operations.
func (e *Engine) GetStatistics(ctx context.Context) (control.Statistics, error) {
	points, err := e.stores.Metrics.Snapshot(ctx)
	if err != nil {
		return control.Statistics{}, err
	}
	channels, err := e.stores.Channels.ListChannels(ctx)
	if err != nil {
		return control.Statistics{}, err
	}
	monitored := 0
	for _, ch := range channels {
		if ch.IsMonitored() {
			monitored++
		}
	}

	e.mu.RLock()
	active := len(e.clients)
	e.mu.RUnlock()

	return control.Statistics{
		ActiveSessions:    active,
		MonitoredChannels: monitored,
		Metrics:           points,
	}, nil
}
