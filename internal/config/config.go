package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration for the authority server and the device agent
type Config struct {
	ServerAddress string    `json:"serverAddress"`
	DatabasePath  string    `json:"databasePath"`
	DatabaseURL   string    `json:"databaseUrl"`
	Security      Security  `json:"security"`
	Agent         Agent     `json:"agent"`
	Session       Session   `json:"session"`
	Sync          Sync      `json:"sync"`
	Async         Async     `json:"async"`
	RateLimit     RateLimit `json:"rateLimit"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Agent configuration for the device-side process
type Agent struct {
	AuthorityURL      string `json:"authorityUrl"`
	ListenAddress     string `json:"listenAddress"`
	StorePath         string `json:"storePath"`
	DeviceType        string `json:"deviceType"`
	DisconnectOnClose bool   `json:"disconnectOnClose"`
}

// Session timing, shared by client and authority
type Session struct {
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`
	StaleAfterSeconds        int `json:"staleAfterSeconds"`
	RequestTimeoutSeconds    int `json:"requestTimeoutSeconds"`
	DisconnectTimeoutMillis  int `json:"disconnectTimeoutMillis"`
	SweepIntervalSeconds     int `json:"sweepIntervalSeconds"`
}

func (s Session) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s Session) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterSeconds) * time.Second
}

func (s Session) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func (s Session) DisconnectTimeout() time.Duration {
	return time.Duration(s.DisconnectTimeoutMillis) * time.Millisecond
}

func (s Session) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// Sync configuration for the queue drain
type Sync struct {
	MaxRetries            int `json:"maxRetries"`
	BackoffInitialSeconds int `json:"backoffInitialSeconds"`
	BackoffMaxSeconds     int `json:"backoffMaxSeconds"`
	PollIntervalSeconds   int `json:"pollIntervalSeconds"`
	ProbeIntervalSeconds  int `json:"probeIntervalSeconds"`
	Concurrency           int `json:"concurrency"`
}

func (s Sync) BackoffInitial() time.Duration {
	return time.Duration(s.BackoffInitialSeconds) * time.Second
}

func (s Sync) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSeconds) * time.Second
}

// PollInterval of zero means draining is reactive only
func (s Sync) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s Sync) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalSeconds) * time.Second
}

// Async configures the fire-and-forget worker pool
type Async struct {
	PoolSize              int `json:"poolSize"`
	ReleaseTimeoutSeconds int `json:"releaseTimeoutSeconds"`
}

func (a Async) ReleaseTimeout() time.Duration {
	return time.Duration(a.ReleaseTimeoutSeconds) * time.Second
}

// RateLimit configures per-device request limiting on the authority
type RateLimit struct {
	PerDeviceRPS float64 `json:"perDeviceRps"`
	Burst        int     `json:"burst"`
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5080",
		DatabasePath:  "chargesync.db",
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
		Agent: Agent{
			AuthorityURL:      "http://localhost:5080",
			ListenAddress:     "127.0.0.1:5081",
			StorePath:         "./data/device.db",
			DeviceType:        "desktop",
			DisconnectOnClose: true,
		},
		Session: Session{
			HeartbeatIntervalSeconds: 30,
			StaleAfterSeconds:        300,
			RequestTimeoutSeconds:    5,
			DisconnectTimeoutMillis:  2000,
			SweepIntervalSeconds:     60,
		},
		Sync: Sync{
			MaxRetries:            3,
			BackoffInitialSeconds: 5,
			BackoffMaxSeconds:     300,
			PollIntervalSeconds:   0,
			ProbeIntervalSeconds:  15,
			Concurrency:           4,
		},
		Async: Async{
			PoolSize:              32,
			ReleaseTimeoutSeconds: 3,
		},
		RateLimit: RateLimit{
			PerDeviceRPS: 5,
			Burst:        20,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}

	// Agent configuration
	if url := os.Getenv("AUTHORITY_URL"); url != "" {
		cfg.Agent.AuthorityURL = url
	}
	if addr := os.Getenv("AGENT_LISTEN_ADDRESS"); addr != "" {
		cfg.Agent.ListenAddress = addr
	}
	if storePath := os.Getenv("AGENT_STORE_PATH"); storePath != "" {
		cfg.Agent.StorePath = storePath
	}
	if v := os.Getenv("AGENT_DISCONNECT_ON_CLOSE"); v != "" {
		cfg.Agent.DisconnectOnClose = v == "true" || v == "1"
	}

	// Session and sync tuning
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Session.HeartbeatIntervalSeconds = secs
		}
	}
	if v := os.Getenv("SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("SYNC_POLL_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.Sync.PollIntervalSeconds = secs
		}
	}

	// Make store path absolute and ensure its directory exists
	if cfg.Agent.StorePath != "" && cfg.Agent.StorePath != ":memory:" {
		absPath, err := filepath.Abs(cfg.Agent.StorePath)
		if err != nil {
			return nil, err
		}
		cfg.Agent.StorePath = absPath
	}

	return cfg, nil
}

// EnsureStoreDir creates the directory holding the agent's local store
func (c *Config) EnsureStoreDir() error {
	if c.Agent.StorePath == "" || c.Agent.StorePath == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(c.Agent.StorePath), 0755)
}
