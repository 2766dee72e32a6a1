// Package membership implements the Membership Synchronizer (spec §4.8): it
// periodically enumerates each session's visible channels and their
// members, persists the roster atomically, and rebuilds the Event Router's
// monitored-channel set so routing always reflects the latest membership.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/queue"
	"github.com/nextlevelbuilder/telefwd/internal/router"
	"github.com/nextlevelbuilder/telefwd/internal/schedule"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// ActiveSession is one connected session the synchronizer can sweep.
type ActiveSession struct {
	Phone  string
	UserID string
	Client transport.Client
}

// SessionClients resolves the currently connected sessions, so the
// synchronizer can enumerate dialogs and participants through each one.
type SessionClients interface {
	ActiveSessions() []ActiveSession
}

// Config mirrors config.MembershipConfig.
type Config struct {
	SyncIntervalMinutes int
	SyncCron            string
	MaxParticipants     int
}

// Synchronizer keeps the channel roster and the router's monitored set
// current against each session's live transport state. Every transport call
// (dialog enumeration, admin checks, participant enumeration) is submitted
// on the owning session's queue, so it is totally ordered against that
// session's dispatcher sends and revocation deletes (spec §5) instead of
// racing them directly against the client.
type Synchronizer struct {
	cfg      Config
	channels store.ChannelStore
	members  store.MemberStore
	clients  SessionClients
	router   *router.Router
	queue    *queue.Manager
}

func New(cfg Config, channels store.ChannelStore, members store.MemberStore, clients SessionClients, r *router.Router, q *queue.Manager) *Synchronizer {
	return &Synchronizer{cfg: cfg, channels: channels, members: members, clients: clients, router: r, queue: q}
}

// submit runs fn on phone's session queue and propagates both the task's own
// error and any queue-level error (not started, stopped, ctx cancelled).
func (s *Synchronizer) submit(ctx context.Context, phone string, fn func(ctx context.Context) error) error {
	var callErr error
	taskErr := s.queue.Submit(ctx, phone, func(ctx context.Context) error {
		callErr = fn(ctx)
		return callErr
	})
	if taskErr != nil && callErr == nil {
		callErr = taskErr
	}
	return callErr
}

// Run drives the periodic sync until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute
	schedule.Run(ctx, s.cfg.SyncCron, interval, s.SyncAll)
}

// SyncAll runs one sync pass across every currently connected session.
func (s *Synchronizer) SyncAll(ctx context.Context) {
	for _, session := range s.clients.ActiveSessions() {
		if err := s.SyncSession(ctx, session); err != nil {
			slog.Error("membership: session sync failed", "phone", session.Phone, "error", err)
		}
	}
}

// SyncSession enumerates one session's dialogs, refreshes the channels it
// administers, and rebuilds the router's monitored set for it.
func (s *Synchronizer) SyncSession(ctx context.Context, session ActiveSession) error {
	var dialogs []transport.Dialog
	if err := s.submit(ctx, session.Phone, func(ctx context.Context) error {
		d, err := session.Client.GetDialogs(ctx, 0)
		dialogs = d
		return err
	}); err != nil {
		return err
	}
	dialogs = s.withPersistedChannels(ctx, session.Phone, dialogs)

	var monitored []string
	for _, d := range dialogs {
		if !d.IsChannel {
			continue
		}

		var role transport.Role
		err := s.submit(ctx, session.Phone, func(ctx context.Context) error {
			r, err := session.Client.GetParticipant(ctx, d.ChannelID, session.UserID)
			role = r
			return err
		})
		if err != nil {
			slog.Warn("membership: admin check failed, skipping channel", "channel", d.ChannelID, "error", err)
			continue
		}
		if !role.IsAdmin() {
			continue
		}

		if err := s.syncChannel(ctx, session.Phone, d, session.Client); err != nil {
			slog.Error("membership: channel sync failed", "channel", d.ChannelID, "error", err)
			continue
		}
		monitored = append(monitored, d.ChannelID)
	}

	s.router.SetMonitored(session.Phone, monitored)
	return nil
}

// withPersistedChannels supplements a live dialog list with channels already
// persisted as owned by phone but absent from it. The Bot API transport's
// GetDialogs only reflects my_chat_member updates observed since the process
// started (see TelegramClient.recordDialog), so a restarted process would
// otherwise lose every channel it administered before the restart. Each
// admin check below still runs live, so a channel the bot was actually
// removed from while the process was down drops out of the next cycle.
func (s *Synchronizer) withPersistedChannels(ctx context.Context, phone string, dialogs []transport.Dialog) []transport.Dialog {
	known := make(map[string]bool, len(dialogs))
	for _, d := range dialogs {
		known[d.ChannelID] = true
	}

	channels, err := s.channels.ListChannels(ctx)
	if err != nil {
		slog.Warn("membership: listing persisted channels failed, relying on live dialogs only", "phone", phone, "error", err)
		return dialogs
	}
	for _, ch := range channels {
		if ch.OwningSession != phone || known[ch.ChannelID] {
			continue
		}
		dialogs = append(dialogs, transport.Dialog{ChannelID: ch.ChannelID, Title: ch.Title, IsChannel: true})
	}
	return dialogs
}

func (s *Synchronizer) syncChannel(ctx context.Context, phone string, d transport.Dialog, client transport.Client) error {
	limit := s.cfg.MaxParticipants
	if limit <= 0 {
		limit = 10000
	}

	var participants []transport.Participant
	if err := s.submit(ctx, phone, func(ctx context.Context) error {
		p, err := client.GetParticipants(ctx, d.ChannelID, limit)
		participants = p
		return err
	}); err != nil {
		return err
	}

	members := make([]model.User, 0, len(participants))
	for _, p := range participants {
		if p.IsBot {
			continue
		}
		members = append(members, model.User{
			UserID: p.UserID, FirstName: p.FirstName, LastName: p.LastName,
			Username: p.Username, Phone: p.Phone, IsBot: p.IsBot,
		})
	}

	existing, err := s.channels.GetChannel(ctx, d.ChannelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	channel := &model.Channel{
		ChannelID:     d.ChannelID,
		Title:         d.Title,
		MemberCount:   len(members),
		OwningSession: phone,
	}
	if existing != nil {
		channel.ForwardEnabled = existing.ForwardEnabled
		channel.Throttle = existing.Throttle
		channel.Username = existing.Username
	}
	if err := s.channels.UpsertChannel(ctx, channel); err != nil {
		return err
	}

	return s.members.ReplaceMembers(ctx, d.ChannelID, members)
}
