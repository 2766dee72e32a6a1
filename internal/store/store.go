// Package store declares the persistence contracts the forwarding engine
// depends on. internal/store/pg and internal/store/sqlite each provide a
// concrete implementation; the engine is wired against these interfaces so
// the backend is a deployment choice (spec §6's managed vs standalone mode).
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

// Stores is the top-level container every backend assembles.
type Stores struct {
	Sessions SessionStore
	Channels ChannelStore
	Members  MemberStore
	Ledger   LedgerStore
	Metrics  MetricsStore
}

// SessionStore persists impersonating client sessions.
type SessionStore interface {
	GetSession(ctx context.Context, phone string) (*model.Session, error)
	UpsertSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	ListSessions(ctx context.Context) ([]*model.Session, error)
	DeleteSession(ctx context.Context, phone string) error
}

// ChannelStore persists monitored source channels.
type ChannelStore interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	UpsertChannel(ctx context.Context, c *model.Channel) error
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	SetForwardEnabled(ctx context.Context, channelID string, enabled bool) error
}

// MemberStore persists a channel's current member roster. ReplaceMembers
// must be atomic (spec §6, §4.8): the old roster is visible until the new
// one is fully committed, never a partially-replaced intermediate state.
type MemberStore interface {
	ReplaceMembers(ctx context.Context, channelID string, members []model.User) error
	ListMembers(ctx context.Context, channelID string) ([]model.User, error)
	IsOperator(ctx context.Context, userID string) (bool, error)
	ListOperators(ctx context.Context) ([]model.Operator, error)
}

// LedgerStore persists forward-attempt records and enforces the status DAG
// (spec §3, §8) at the storage boundary via CAS-style transition writes.
type LedgerStore interface {
	InsertPending(ctx context.Context, r *model.ForwardRecord) error
	MarkSent(ctx context.Context, key model.Key, forwardedMessageID string) error
	MarkFailed(ctx context.Context, key model.Key, errMsg string) error
	MarkSkipped(ctx context.Context, key model.Key, reason string) error
	MarkDeleted(ctx context.Context, key model.Key) error
	IncrementRetry(ctx context.Context, key model.Key) (int, error)
	Get(ctx context.Context, key model.Key) (*model.ForwardRecord, error)
	FindSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.ForwardRecord, error)
	FindBySourceMessage(ctx context.Context, channelID, messageID string) ([]*model.ForwardRecord, error)
}

// MetricsStore accumulates per-session, per-channel counters (spec §3).
type MetricsStore interface {
	IncrementSent(ctx context.Context, phone, channelID string) error
	IncrementFailed(ctx context.Context, phone, channelID string) error
	IncrementFlood(ctx context.Context, phone, channelID string) error
	IncrementSpam(ctx context.Context, phone, channelID string) error
	Snapshot(ctx context.Context) ([]model.MetricsPoint, error)
}

// Config selects and parameterizes the backend. PostgresDSN is never read
// from the config file directly — only from the environment (config.DatabaseConfig).
type Config struct {
	Mode        string
	PostgresDSN string
	SQLitePath  string
}

// ErrNotFound is returned by Get-style lookups that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
