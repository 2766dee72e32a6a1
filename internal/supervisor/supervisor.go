// Package supervisor implements the Session Supervisor (spec §4.4): it owns
// one impersonating session's lifecycle, connects its transport, runs the
// initial membership sync before installing event handlers, quarantines a
// session on a platform rate-limit or spam-warning signal, and sweeps for
// resume eligibility.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/schedule"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

// Repository is the persistence slice the supervisor needs. A concrete
// store satisfies this implicitly; it is declared here rather than
// imported from internal/store to keep supervisor a leaf package.
type Repository interface {
	GetSession(ctx context.Context, phone string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
	ListSessions(ctx context.Context) ([]*model.Session, error)
}

// Config mirrors config.SupervisorConfig without importing it directly.
type Config struct {
	ResumeCheckIntervalSeconds int
	ResumeCheckCron            string
	SpamBackoff                time.Duration
}

// Hooks are the callbacks the supervisor invokes as a session moves through
// its lifecycle. OnConnected runs the initial membership sync and must
// complete before the caller installs any event handlers. OnEvent routes
// a transport event to the rest of the engine (Event Router).
type Hooks struct {
	OnConnected func(ctx context.Context, phone string, client transport.Client, channelIDs []string) error
	OnEvent     func(ctx context.Context, phone string, ev transport.Event)
}

// Supervisor manages every active session's lifecycle.
type Supervisor struct {
	cfg   Config
	repo  Repository
	tf    transport.Factory
	hooks Hooks

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	phone  string
	client transport.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, repo Repository, tf transport.Factory, hooks Hooks) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		repo:     repo,
		tf:       tf,
		hooks:    hooks,
		sessions: make(map[string]*managedSession),
	}
}

// Start connects phone's session, runs the initial membership sync, then
// begins routing subscribed events. Channel IDs to subscribe to are
// supplied by the caller (the set of monitored channels this session owns).
func (sv *Supervisor) Start(ctx context.Context, phone string, channelIDs []string) error {
	session, err := sv.repo.GetSession(ctx, phone)
	if err != nil {
		return fmt.Errorf("load session %s: %w", phone, err)
	}
	if session.IsQuarantined(time.Now()) {
		return fmt.Errorf("session %s is quarantined until %s", phone, session.PenaltyUntil)
	}

	client := sv.tf.New(phone)
	result, err := client.Connect(ctx, session.Credential)
	if err != nil {
		sv.markError(ctx, session, err)
		return fmt.Errorf("connect session %s: %w", phone, err)
	}
	session.UserID = result.UserID
	session.State = model.SessionActive
	session.LastActive = time.Now()
	session.AutoPaused = false
	session.LastError = ""
	if err := sv.repo.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("persist connected session %s: %w", phone, err)
	}

	// The membership sync must finish before events start flowing, or the
	// router would classify updates against a stale monitored-channel set.
	if sv.hooks.OnConnected != nil {
		if err := sv.hooks.OnConnected(ctx, phone, client, channelIDs); err != nil {
			return fmt.Errorf("initial membership sync for %s: %w", phone, err)
		}
	}

	events, err := client.Subscribe(ctx, channelIDs)
	if err != nil {
		return fmt.Errorf("subscribe session %s: %w", phone, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	ms := &managedSession{phone: phone, client: client, cancel: cancel, done: make(chan struct{})}

	sv.mu.Lock()
	sv.sessions[phone] = ms
	sv.mu.Unlock()

	go sv.routeEvents(sessionCtx, ms, events)

	slog.Info("session started", "phone", phone, "user_id", session.UserID)
	return nil
}

func (sv *Supervisor) routeEvents(ctx context.Context, ms *managedSession, events <-chan transport.Event) {
	defer close(ms.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sv.hooks.OnEvent != nil {
				sv.hooks.OnEvent(ctx, ms.phone, ev)
			}
		}
	}
}

// Stop disconnects phone's session and waits for its event loop to exit.
func (sv *Supervisor) Stop(ctx context.Context, phone string) error {
	sv.mu.Lock()
	ms, ok := sv.sessions[phone]
	if ok {
		delete(sv.sessions, phone)
	}
	sv.mu.Unlock()
	if !ok {
		return nil
	}

	ms.cancel()
	select {
	case <-ms.done:
	case <-time.After(10 * time.Second):
		slog.Warn("session event loop did not exit within timeout", "phone", phone)
	}
	return ms.client.Close(ctx)
}

// Quarantine transitions a session into the paused+auto-paused state for
// penalty, per the state table in spec §4.4. Called when the dispatcher
// aborts a send on a rate-limit or spam-warning signal; penalty is the
// platform-suggested wait for rate limiting, or the configured spam
// backoff otherwise. The resume sweep restarts the session once penalty
// elapses.
func (sv *Supervisor) Quarantine(ctx context.Context, phone, reason string, penalty time.Duration) error {
	session, err := sv.repo.GetSession(ctx, phone)
	if err != nil {
		return err
	}
	session.State = model.SessionPaused
	session.AutoPaused = true
	session.PauseReason = reason
	session.PenaltyUntil = time.Now().Add(penalty)
	return sv.repo.UpdateSession(ctx, session)
}

// Pause transitions a session to paused state for a manual operator
// request. Unlike Quarantine it does not set AutoPaused, so the resume
// sweep leaves it alone; only an explicit ResumeSession call restarts it.
func (sv *Supervisor) Pause(ctx context.Context, phone, reason string) error {
	session, err := sv.repo.GetSession(ctx, phone)
	if err != nil {
		return err
	}
	session.State = model.SessionPaused
	session.AutoPaused = false
	session.PauseReason = reason
	return sv.repo.UpdateSession(ctx, session)
}

func (sv *Supervisor) markError(ctx context.Context, session *model.Session, cause error) {
	session.State = model.SessionError
	session.LastError = cause.Error()
	if err := sv.repo.UpdateSession(ctx, session); err != nil {
		slog.Error("failed to persist session error state", "phone", session.Phone, "error", err)
	}
}

// RunResumeSweep periodically checks quarantined sessions for resume
// eligibility and restarts them. It blocks until ctx is cancelled.
func (sv *Supervisor) RunResumeSweep(ctx context.Context, restart func(ctx context.Context, phone string) error) {
	interval := time.Duration(sv.cfg.ResumeCheckIntervalSeconds) * time.Second
	schedule.Run(ctx, sv.cfg.ResumeCheckCron, interval, func(ctx context.Context) {
		sessions, err := sv.repo.ListSessions(ctx)
		if err != nil {
			slog.Warn("resume sweep: list sessions failed", "error", err)
			return
		}
		now := time.Now()
		for _, s := range sessions {
			if !s.ResumeEligible(now) {
				continue
			}
			s.State = model.SessionInactive
			s.AutoPaused = false
			s.PauseReason = ""
			if err := sv.repo.UpdateSession(ctx, s); err != nil {
				slog.Warn("resume sweep: update session failed", "phone", s.Phone, "error", err)
				continue
			}
			if restart != nil {
				if err := restart(ctx, s.Phone); err != nil {
					slog.Warn("resume sweep: restart failed", "phone", s.Phone, "error", err)
				}
			}
		}
	})
}
