// Package router implements the Event Router (spec §4.5): it classifies raw
// transport events, filters them against each session's monitored-channel
// set, caches admin checks so the dispatcher doesn't re-query the platform
// for every forward, and hands the event off to the dispatcher or
// revocation worker.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// adminCacheTTL bounds how long a GetParticipant admin result is trusted
// before the router re-checks it, so a demoted admin stops being treated
// as an admin within one cache cycle rather than forever.
const adminCacheTTL = 5 * time.Minute

// Handlers receives the classified, filtered events. Each is invoked with
// the owning session's phone so downstream components can attribute work
// to the correct session queue.
type Handlers struct {
	OnNew          func(ctx context.Context, phone, channelID string, msg transport.Message)
	OnEdit         func(ctx context.Context, phone, channelID string, msg transport.Message)
	OnDelete       func(ctx context.Context, phone, channelID string, messageIDs []string)
	OnMemberUpdate func(ctx context.Context, phone, channelID string)
}

type adminEntry struct {
	role    transport.Role
	checked time.Time
}

// Router holds per-session monitored-channel sets and the admin check
// cache; one Router instance serves all sessions.
type Router struct {
	handlers Handlers

	mu        sync.RWMutex
	monitored map[string]map[string]bool // phone -> channelID -> true

	adminMu sync.Mutex
	admin   map[string]adminEntry // channelID+":"+userID -> entry
}

func New(handlers Handlers) *Router {
	return &Router{
		handlers:  handlers,
		monitored: make(map[string]map[string]bool),
		admin:     make(map[string]adminEntry),
	}
}

// SetMonitored replaces phone's monitored-channel set. Called by the
// Membership Synchronizer after every sync so the router's filter always
// reflects the current roster of channels this session administers.
func (r *Router) SetMonitored(phone string, channelIDs []string) {
	set := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		set[id] = true
	}
	r.mu.Lock()
	r.monitored[phone] = set
	r.mu.Unlock()
}

func (r *Router) isMonitored(phone, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.monitored[phone]
	return ok && set[channelID]
}

// Handle classifies ev and, if its channel is monitored for phone, invokes
// the matching handler. Unmonitored channels and recognized-but-unhandled
// event kinds (spec §4.5's "poll" kind) are dropped silently. userID and
// client identify the session so a fresh forward or delete can be
// rechecked against the live admin roster (spec §4.5: membership sync alone
// only catches a demotion on its own cadence, not between cycles) before
// it reaches the dispatcher or revocation worker. Edits are passed to
// OnEdit without an admin recheck.
func (r *Router) Handle(ctx context.Context, phone, userID string, client transport.Client, ev transport.Event) {
	if !r.isMonitored(phone, ev.ChannelID) {
		return
	}

	switch ev.Kind {
	case transport.EventNew:
		if ev.Message != nil && r.handlers.OnNew != nil {
			if !r.verifyAdmin(ctx, client, ev.ChannelID, userID, "new") {
				return
			}
			r.handlers.OnNew(ctx, phone, ev.ChannelID, *ev.Message)
		}
	case transport.EventEdit:
		if ev.Message != nil && r.handlers.OnEdit != nil {
			r.handlers.OnEdit(ctx, phone, ev.ChannelID, *ev.Message)
		}
	case transport.EventDelete:
		if r.handlers.OnDelete != nil {
			if !r.verifyAdmin(ctx, client, ev.ChannelID, userID, "delete") {
				return
			}
			ids := ev.DeletedIDs
			if len(ids) == 0 && ev.MessageID != "" {
				ids = []string{ev.MessageID}
			}
			r.handlers.OnDelete(ctx, phone, ev.ChannelID, ids)
		}
	case transport.EventChannelUpdate, transport.EventMemberUpdate:
		r.InvalidateAdmin(ev.ChannelID, userID)
		if r.handlers.OnMemberUpdate != nil {
			r.handlers.OnMemberUpdate(ctx, phone, ev.ChannelID)
		}
	case transport.EventPoll:
		// Polls carry no forward-eligible content; spec §4.5 excludes them.
	}
}

// verifyAdmin rechecks admin status for userID before a forward-eligible
// event is dispatched. A lookup error or a lost-admin result both drop the
// event rather than risk forwarding from a channel the session no longer
// controls.
func (r *Router) verifyAdmin(ctx context.Context, client transport.Client, channelID, userID, kind string) bool {
	ok, err := r.IsAdmin(ctx, client, channelID, userID)
	if err != nil {
		slog.Warn("router: admin recheck failed, dropping event", "channel", channelID, "kind", kind, "error", err)
		return false
	}
	if !ok {
		slog.Info("router: session no longer admin, dropping event", "channel", channelID, "kind", kind)
		return false
	}
	return true
}

// IsAdmin reports whether userID administers channelID, using the transport
// client to refresh the cache when stale.
func (r *Router) IsAdmin(ctx context.Context, client transport.Client, channelID, userID string) (bool, error) {
	key := channelID + ":" + userID

	r.adminMu.Lock()
	entry, ok := r.admin[key]
	r.adminMu.Unlock()
	if ok && time.Since(entry.checked) < adminCacheTTL {
		return entry.role.IsAdmin(), nil
	}

	role, err := client.GetParticipant(ctx, channelID, userID)
	if err != nil {
		return false, err
	}

	r.adminMu.Lock()
	r.admin[key] = adminEntry{role: role, checked: time.Now()}
	r.adminMu.Unlock()

	return role.IsAdmin(), nil
}

// InvalidateAdmin drops a cached admin result, called when a member update
// event suggests roles may have changed.
func (r *Router) InvalidateAdmin(channelID, userID string) {
	r.adminMu.Lock()
	delete(r.admin, channelID+":"+userID)
	r.adminMu.Unlock()
}
