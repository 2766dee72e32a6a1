// Package governor implements the Rate Governor (spec §4.1): global and
// per-session token buckets plus per-channel and per-recipient minimum-gap
// enforcement with jitter, so that fan-out never exceeds the platform's
// tolerance for a single impersonating session.
package governor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedGapKeys bounds the gap-tracking maps the same way the teacher's
// webhook rate limiter bounds its key set, so a session with many
// short-lived recipients cannot grow the governor's memory unbounded.
const maxTrackedGapKeys = 16384

// Config is the subset of rate configuration the governor needs; it
// mirrors config.RateConfig without importing the config package directly,
// so governor stays a leaf dependency.
type Config struct {
	GlobalCapacity         int
	GlobalRefillPerMinute  float64
	SessionTokensPerMinute float64
	RecipientMinGapMs      int
	JitterFraction         float64
}

// Governor enforces the global, per-session, per-channel and per-recipient
// pacing rules before a send is allowed to proceed. Safe for concurrent use.
type Governor struct {
	cfg Config

	global *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*rate.Limiter

	gapMu      sync.Mutex
	channelGap map[string]time.Time // "ch:"+channelID -> last send time
	recipGap   map[string]time.Time // "rc:"+sessionPhone+":"+recipientUserID -> last send time
}

// New constructs a Governor from cfg.
func New(cfg Config) *Governor {
	g := &Governor{
		cfg:        cfg,
		sessions:   make(map[string]*rate.Limiter),
		channelGap: make(map[string]time.Time),
		recipGap:   make(map[string]time.Time),
	}
	refillPerSec := rate.Limit(cfg.GlobalRefillPerMinute / 60)
	g.global = rate.NewLimiter(refillPerSec, max(1, cfg.GlobalCapacity))
	return g
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (g *Governor) sessionLimiter(phone string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.sessions[phone]
	if !ok {
		burst := max(1, int(g.cfg.SessionTokensPerMinute))
		l = rate.NewLimiter(rate.Limit(g.cfg.SessionTokensPerMinute/60), burst)
		g.sessions[phone] = l
	}
	return l
}

// Acquire blocks until a send from sessionPhone to recipientUserID in
// channelID is permitted: the global bucket, the session's bucket, the
// channel's throttle gap, and the recipient's minimum gap must all clear.
// channelGap is the channel-specific D_ch computed by model.ChannelThrottle.Gap.
func (g *Governor) Acquire(ctx context.Context, sessionPhone, channelID, recipientUserID string, channelGap time.Duration) error {
	if err := g.global.Wait(ctx); err != nil {
		return err
	}
	if err := g.sessionLimiter(sessionPhone).Wait(ctx); err != nil {
		return err
	}
	if err := g.waitGap(ctx, g.channelGapKey(channelID), g.jitter(channelGap)); err != nil {
		return err
	}
	recipMinGap := time.Duration(g.cfg.RecipientMinGapMs) * time.Millisecond
	if err := g.waitGap(ctx, g.recipGapKey(sessionPhone, recipientUserID), g.jitter(recipMinGap)); err != nil {
		return err
	}
	return nil
}

func (g *Governor) channelGapKey(channelID string) string { return "ch:" + channelID }
func (g *Governor) recipGapKey(phone, recipientUserID string) string {
	return "rc:" + phone + ":" + recipientUserID
}

// jitter applies a uniform +/- JitterFraction adjustment so forwards don't
// land on an exactly periodic cadence.
func (g *Governor) jitter(d time.Duration) time.Duration {
	if d <= 0 || g.cfg.JitterFraction <= 0 {
		return d
	}
	spread := float64(d) * g.cfg.JitterFraction
	delta := (rand.Float64()*2 - 1) * spread
	out := float64(d) + delta
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}

func (g *Governor) waitGap(ctx context.Context, key string, gap time.Duration) error {
	g.gapMu.Lock()
	last, ok := g.gapTrackerEntry(key)
	now := time.Now()
	var wait time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < gap {
			wait = gap - elapsed
		}
	}
	g.setGapTrackerEntry(key, now.Add(wait))
	g.gapMu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// gapTrackerEntry reads from whichever map owns key's namespace prefix.
// Call sites must hold gapMu.
func (g *Governor) gapTrackerEntry(key string) (time.Time, bool) {
	m := g.mapFor(key)
	g.evictIfFull(m)
	t, ok := m[key]
	return t, ok
}

func (g *Governor) setGapTrackerEntry(key string, t time.Time) {
	g.mapFor(key)[key] = t
}

func (g *Governor) mapFor(key string) map[string]time.Time {
	if len(key) >= 3 && key[:3] == "ch:" {
		return g.channelGap
	}
	return g.recipGap
}

// evictIfFull drops stale entries once a tracked map approaches its cap,
// the same bound-then-prune discipline a webhook key-tracker uses to avoid
// unbounded growth from a churning recipient set.
func (g *Governor) evictIfFull(m map[string]time.Time) {
	if len(m) < maxTrackedGapKeys {
		return
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, t := range m {
		if t.Before(cutoff) {
			delete(m, k)
		}
	}
	for len(m) >= maxTrackedGapKeys {
		for k := range m {
			delete(m, k)
			break
		}
	}
}
