// Package config loads orchestrator configuration once at process start
// from environment variables, grounded on wisbric-nightowl's
// internal/config (struct-tag env loading via github.com/caarlos0/env/v11).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the orchestration kernel's loops and API
// need, loaded once at startup.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON    bool   `env:"LOG_JSON" envDefault:"false"`

	NodeAgentTimeoutSeconds int `env:"NODE_AGENT_TIMEOUT_SECONDS" envDefault:"10"`
	SnapshotPath            string `env:"SNAPSHOT_PATH"`

	HeartbeatStaleSeconds  int `env:"HEARTBEAT_STALE_SECONDS" envDefault:"90"`
	HealthTickSeconds      int `env:"HEALTH_TICK_SECONDS" envDefault:"30"`
	CommandTimeoutSeconds  int `env:"COMMAND_TIMEOUT_SECONDS" envDefault:"300"`

	AttestationTickSeconds     int `env:"ATTESTATION_TICK_SECONDS" envDefault:"60"`
	AttestationPauseThreshold  int `env:"ATTESTATION_PAUSE_THRESHOLD" envDefault:"3"`
	AttestationFatalThreshold  int `env:"ATTESTATION_FATAL_THRESHOLD" envDefault:"10"`

	BillingTickSeconds int `env:"BILLING_TICK_SECONDS" envDefault:"60"`

	ReputationTickSeconds         int `env:"REPUTATION_TICK_SECONDS" envDefault:"3600"`
	ReputationStartupDelaySeconds int `env:"REPUTATION_STARTUP_DELAY_SECONDS" envDefault:"300"`

	CleanupTickSeconds     int `env:"CLEANUP_TICK_SECONDS" envDefault:"3600"`
	DeletedRetentionDays   int `env:"DELETED_RETENTION_DAYS" envDefault:"7"`
	MinUptimeForScheduling int `env:"MIN_UPTIME_FOR_SCHEDULING" envDefault:"90"`
	EventRingCapacity      int `env:"EVENT_RING_CAPACITY" envDefault:"10000"`
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

func (c *Config) HeartbeatStale() time.Duration { return time.Duration(c.HeartbeatStaleSeconds) * time.Second }
func (c *Config) HealthTick() time.Duration     { return time.Duration(c.HealthTickSeconds) * time.Second }
func (c *Config) CommandTimeout() time.Duration { return time.Duration(c.CommandTimeoutSeconds) * time.Second }

func (c *Config) AttestationTick() time.Duration { return time.Duration(c.AttestationTickSeconds) * time.Second }

func (c *Config) BillingTick() time.Duration { return time.Duration(c.BillingTickSeconds) * time.Second }

func (c *Config) ReputationTick() time.Duration { return time.Duration(c.ReputationTickSeconds) * time.Second }
func (c *Config) ReputationStartupDelay() time.Duration {
	return time.Duration(c.ReputationStartupDelaySeconds) * time.Second
}

func (c *Config) CleanupTick() time.Duration { return time.Duration(c.CleanupTickSeconds) * time.Second }
func (c *Config) DeletedRetention() time.Duration {
	return time.Duration(c.DeletedRetentionDays) * 24 * time.Hour
}

func (c *Config) NodeAgentTimeout() time.Duration {
	return time.Duration(c.NodeAgentTimeoutSeconds) * time.Second
}
