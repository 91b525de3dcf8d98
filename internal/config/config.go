// Package config loads all environment-based configuration for chatterm.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the session core.
type Config struct {
	// Server is the chat server base URL, e.g. https://chat.example.com.
	// The realtime websocket endpoint is derived from it.
	Server string `env:"CHATTERM_SERVER"`

	// Account credentials. Token takes precedence over Password when
	// both are set; Password is sent as a SHA-256 digest, never raw.
	Username string `env:"CHATTERM_USERNAME"`
	Password string `env:"CHATTERM_PASSWORD"`
	Token    string `env:"CHATTERM_TOKEN"`

	// DeviceName this client identifies as. Defaults to the hostname.
	DeviceName string `env:"CHATTERM_DEVICE_NAME"`

	// HistoryBatchSize is the number of messages fetched per history
	// page. Should be at least a screenful so scrolling does not hit
	// the server immediately.
	HistoryBatchSize int `env:"CHATTERM_HISTORY_BATCH" envDefault:"50"`

	// RoomMemberCap bounds how many members are loaded when a room is
	// activated. Further users are learned on demand from messages.
	RoomMemberCap int `env:"CHATTERM_ROOM_MEMBER_CAP" envDefault:"50"`

	// PingInterval is how long the push stream may stay silent before a
	// probe ping is sent. KeepaliveTimeout is how long it may stay
	// silent, probes included, before the connection is declared dead.
	PingInterval     time.Duration `env:"CHATTERM_PING_INTERVAL" envDefault:"30s"`
	KeepaliveTimeout time.Duration `env:"CHATTERM_KEEPALIVE_TIMEOUT" envDefault:"90s"`

	// SnapshotWorkers bounds concurrent snapshot queries (history pages,
	// user lookups, transfers) so they never starve the event loop.
	SnapshotWorkers int `env:"CHATTERM_SNAPSHOT_WORKERS" envDefault:"4"`

	// SnapshotRPS rate-limits snapshot queries client-side, below
	// typical server throttling thresholds.
	SnapshotRPS float64 `env:"CHATTERM_SNAPSHOT_RPS" envDefault:"5"`

	// HooksFile is an optional YAML manifest mapping hook names to
	// command templates for the external hook dispatcher.
	HooksFile string `env:"CHATTERM_HOOKS_FILE"`

	// Environment controls log format; LogFile redirects log output.
	Environment string `env:"CHATTERM_ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"CHATTERM_LOG_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatterm"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("CHATTERM_SERVER is required")
	}

	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" {
		return fmt.Errorf("CHATTERM_SERVER must be a valid URL: %q", c.Server)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHATTERM_SERVER scheme must be http or https, got %q", u.Scheme)
	}

	if c.Username == "" {
		return fmt.Errorf("CHATTERM_USERNAME is required")
	}
	if c.Password == "" && c.Token == "" {
		return fmt.Errorf("one of CHATTERM_PASSWORD or CHATTERM_TOKEN is required")
	}

	if c.HistoryBatchSize < 1 {
		return fmt.Errorf("CHATTERM_HISTORY_BATCH must be positive, got %d", c.HistoryBatchSize)
	}
	if c.RoomMemberCap < 1 {
		return fmt.Errorf("CHATTERM_ROOM_MEMBER_CAP must be positive, got %d", c.RoomMemberCap)
	}
	if c.SnapshotWorkers < 1 {
		return fmt.Errorf("CHATTERM_SNAPSHOT_WORKERS must be positive, got %d", c.SnapshotWorkers)
	}
	if c.SnapshotRPS <= 0 {
		return fmt.Errorf("CHATTERM_SNAPSHOT_RPS must be positive, got %v", c.SnapshotRPS)
	}

	// A keepalive window shorter than the ping interval would declare
	// the connection dead before the first probe is even sent.
	if c.KeepaliveTimeout <= c.PingInterval {
		return fmt.Errorf("CHATTERM_KEEPALIVE_TIMEOUT (%v) must exceed CHATTERM_PING_INTERVAL (%v)",
			c.KeepaliveTimeout, c.PingInterval)
	}

	return nil
}

// WebsocketURL derives the realtime endpoint from the server base URL.
func (c *Config) WebsocketURL() string {
	u, _ := url.Parse(c.Server)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/websocket"
	return u.String()
}
