package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for household-sync.
type Config struct {
	// Household to sync. Empty runs in local mode: records stay on this
	// device and nothing talks to the authority.
	HouseholdID string `env:"HOUSEHOLD_ID"`

	// Member this device acts as. Defaults to system hostname.
	MemberID string `env:"MEMBER_ID"`

	// Base URL of the authority (required in synced mode).
	AuthorityURL string `env:"AUTHORITY_URL"`

	// Local cache database. Defaults to ~/.household-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Scheduler timing.
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	SyncBackoffMin time.Duration `env:"SYNC_BACKOFF_MIN" envDefault:"5s"`
	SyncBackoffMax time.Duration `env:"SYNC_BACKOFF_MAX" envDefault:"5m"`

	// Authority client limits.
	AuthorityTimeout time.Duration `env:"AUTHORITY_TIMEOUT" envDefault:"15s"`
	AuthorityRate    float64       `env:"AUTHORITY_RATE" envDefault:"20"`

	// Connectivity sources. The HTTP probe always runs in synced mode; the
	// signal file and the realtime channel are optional.
	NetworkSignalFile string        `env:"NETWORK_SIGNAL_FILE"`
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	EnableRealtime    bool          `env:"ENABLE_REALTIME" envDefault:"true"`

	// MCP server settings.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Optional rotating log file, written in addition to stderr.
	LogFile string `env:"LOG_FILE"`

	// Listen address of the reference authority server.
	AuthorityListenAddr string `env:"AUTHORITY_LISTEN_ADDR" envDefault:":8090"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing settings to other users.
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

	if cfg.MemberID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "household-sync"
		}

		cfg.MemberID = hostname
	}

	cfg.AuthorityURL = strings.TrimRight(cfg.AuthorityURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Synced() {
		if c.AuthorityURL == "" {
			return fmt.Errorf("AUTHORITY_URL is required when HOUSEHOLD_ID is set")
		}

		u, err := url.Parse(c.AuthorityURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("AUTHORITY_URL must be an http or https URL")
		}
	}

	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":     c.SyncInterval,
		"SYNC_BACKOFF_MIN":  c.SyncBackoffMin,
		"SYNC_BACKOFF_MAX":  c.SyncBackoffMax,
		"AUTHORITY_TIMEOUT": c.AuthorityTimeout,
		"PROBE_INTERVAL":    c.ProbeInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.SyncBackoffMax < c.SyncBackoffMin {
		return fmt.Errorf("SYNC_BACKOFF_MAX must not be less than SYNC_BACKOFF_MIN")
	}

	if c.AuthorityRate <= 0 {
		return fmt.Errorf("AUTHORITY_RATE must be positive")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.household-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".household-sync", "state.db"), nil
}

// Synced reports whether the device belongs to a household.
func (c *Config) Synced() bool {
	return c.HouseholdID != ""
}

// HealthURL returns the authority endpoint the connectivity probe polls.
func (c *Config) HealthURL() string {
	return c.AuthorityURL + "/v1/health"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
