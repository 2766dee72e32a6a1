// Package control implements the operator-facing control surface (spec
// §6): a small JSON HTTP API for session and channel management plus a
// websocket feed of live forwarding events.
package control

import (
	"context"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

// Statistics summarizes the engine's current state for getStatistics.
type Statistics struct {
	ActiveSessions   int                  `json:"active_sessions"`
	MonitoredChannels int                 `json:"monitored_channels"`
	Metrics          []model.MetricsPoint `json:"metrics"`
}

// Operations is the engine surface the control API drives. Declared here,
// not imported from internal/engine, so control stays a leaf package the
// engine depends on rather than the other way around.
type Operations interface {
	AddSession(ctx context.Context, phone, credential string) error
	PauseSession(ctx context.Context, phone, reason string) error
	ResumeSession(ctx context.Context, phone string) error
	RemoveSession(ctx context.Context, phone string) error
	SetChannelForwarding(ctx context.Context, channelID string, enabled bool) error
	ListSessions(ctx context.Context) ([]*model.Session, error)
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	GetStatistics(ctx context.Context) (Statistics, error)
}

// Config mirrors config.ControlConfig.
type Config struct {
	Host  string
	Port  int
	Token string
}
