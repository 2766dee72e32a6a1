// Package config is the root configuration for the telefwd forwarding engine.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Rate       RateConfig       `json:"rate"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Queue      QueueConfig      `json:"queue"`
	Retry      RetryConfig      `json:"retry"`
	Retention  RetentionConfig  `json:"retention"`
	Membership MembershipConfig `json:"membership"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Database   DatabaseConfig   `json:"database"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Control    ControlConfig    `json:"control"`

	mu sync.RWMutex
}

// TransportConfig carries the credentials for the chat platform transport.
// ApiID/ApiHash are never read from the config file — env only.
type TransportConfig struct {
	APIID   string `json:"-"`
	APIHash string `json:"-"`
}

// RateConfig configures the Rate Governor's global and per-session scopes
// (spec §4.1, §6).
type RateConfig struct {
	GlobalCapacity         int     `json:"global_capacity"`
	GlobalRefillPerMinute  float64 `json:"global_refill_per_minute"`
	SessionTokensPerMinute float64 `json:"session_tokens_per_minute"`
	RecipientMinGapMs      int     `json:"recipient_min_gap_ms"`
	JitterFraction         float64 `json:"jitter_fraction"` // e.g. 0.2 for ±20%
}

// DispatchConfig configures the Forwarding Dispatcher (spec §4.6, §6).
type DispatchConfig struct {
	ChunkSize          int `json:"chunk_size"`
	InterChunkDelayMs  int `json:"inter_chunk_delay_ms"`
}

// QueueConfig configures the Per-Session Queue (spec §4.2, §6).
type QueueConfig struct {
	MinInterTaskDelayMs int `json:"min_inter_task_delay_ms"`
	MaxInterTaskDelayMs int `json:"max_inter_task_delay_ms"`
}

// RetryConfig configures the dispatcher's retry policy (spec §4.6, §7).
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms"`
}

// RetentionConfig configures the Revocation Worker's scheduled sweep (spec §4.7).
type RetentionConfig struct {
	MessageAgeHours   int    `json:"message_age_hours"`
	CleanupIntervalHours int `json:"cleanup_interval_hours"`
	CleanupCron       string `json:"cleanup_cron,omitempty"` // overrides CleanupIntervalHours when set
}

// MembershipConfig configures the Membership Synchronizer (spec §4.8).
type MembershipConfig struct {
	SyncIntervalMinutes int    `json:"sync_interval_minutes"`
	SyncCron            string `json:"sync_cron,omitempty"` // overrides SyncIntervalMinutes when set
	MaxParticipants     int    `json:"max_participants"`
}

// SupervisorConfig configures the Session Supervisor (spec §4.4).
type SupervisorConfig struct {
	ResumeCheckIntervalSeconds int           `json:"resume_check_interval_seconds"`
	ResumeCheckCron            string        `json:"resume_check_cron,omitempty"`
	SpamBackoff                time.Duration `json:"spam_backoff"`
}

// DatabaseConfig selects and configures the persistence backend.
// PostgresDSN is never read from the config file — env only.
type DatabaseConfig struct {
	Mode        string `json:"mode"` // "standalone" (sqlite) or "managed" (postgres)
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManaged reports whether the engine should use the Postgres backend.
func (d DatabaseConfig) IsManaged() bool {
	return d.Mode == "managed" && d.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry trace export.
// Mirrors the teacher's TelemetryConfig field-for-field.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ControlConfig configures the operator-facing control HTTP surface.
type ControlConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // bearer token for the control API, env only
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher to apply a reloaded file atomically.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transport = src.Transport
	c.Rate = src.Rate
	c.Dispatch = src.Dispatch
	c.Queue = src.Queue
	c.Retry = src.Retry
	c.Retention = src.Retention
	c.Membership = src.Membership
	c.Supervisor = src.Supervisor
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Control = src.Control
}

// Snapshot returns a copy of the config safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
