package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, matching the recommended
// values in spec §4 and §6.
func Default() *Config {
	return &Config{
		Rate: RateConfig{
			GlobalCapacity:         30,
			GlobalRefillPerMinute:  60,
			SessionTokensPerMinute: 20,
			RecipientMinGapMs:      1500,
			JitterFraction:         0.2,
		},
		Dispatch: DispatchConfig{
			ChunkSize:         10,
			InterChunkDelayMs: 2000,
		},
		Queue: QueueConfig{
			MinInterTaskDelayMs: 2000,
			MaxInterTaskDelayMs: 5000,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		Retention: RetentionConfig{
			MessageAgeHours:      24,
			CleanupIntervalHours: 1,
		},
		Membership: MembershipConfig{
			SyncIntervalMinutes: 2,
			MaxParticipants:     1000,
		},
		Supervisor: SupervisorConfig{
			ResumeCheckIntervalSeconds: 60,
			SpamBackoff:                5 * time.Minute,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.telefwd/ledger.db",
		},
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 8781,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values and are the only source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TELEFWD_TRANSPORT_API_ID", &c.Transport.APIID)
	envStr("TELEFWD_TRANSPORT_API_HASH", &c.Transport.APIHash)
	envStr("TELEFWD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TELEFWD_DB_MODE", &c.Database.Mode)
	envStr("TELEFWD_CONTROL_TOKEN", &c.Control.Token)
	envStr("TELEFWD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEFWD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEFWD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	if c.Database.PostgresDSN != "" && c.Database.Mode == "" {
		c.Database.Mode = "managed"
	}
	if v := os.Getenv("TELEFWD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TELEFWD_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Control.Port = port
		}
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after a hot reload to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file (secrets are tagged json:"-" and
// are never persisted).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used by the watcher to
// detect whether a reload actually changed anything.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
