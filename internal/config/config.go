// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Queue processing ─────────────────────────────────────────────────────────
	// RequestTimeout bounds each dispatched HTTP call and feeds the
	// dependency-wait ceiling (sibling count × RequestTimeout + 240s).
	RequestTimeout  time.Duration `env:"QUEUE_REQUEST_TIMEOUT"   envDefault:"240s"`
	IdleSleep       time.Duration `env:"QUEUE_IDLE_SLEEP"        envDefault:"60s"`
	DependencyPoll  time.Duration `env:"QUEUE_DEPENDENCY_POLL"   envDefault:"5s"`
	StaleClaimAfter time.Duration `env:"QUEUE_STALE_CLAIM_AFTER" envDefault:"1h"`
	PurgeInterval   time.Duration `env:"QUEUE_PURGE_INTERVAL"    envDefault:"168h"`
	// Timezone applied to webhook result timestamps before they are persisted.
	Timezone string `env:"QUEUE_TIMEZONE" envDefault:"Europe/Prague"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"queuechecker@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Liveness checker ─────────────────────────────────────────────────────────
	CheckerNotify     bool   `env:"CHECKER_NOTIFY"      envDefault:"false"`
	CheckerNotifyTo   string `env:"CHECKER_NOTIFY_TO"`
	CheckerServerName string `env:"CHECKER_SERVER_NAME" envDefault:"localhost"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
