// Package config provides application configuration for the orchestrator.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Session: registry cap, persistence paths, idle-reaper cadence
//   - Throttle: output batching cadence and on-disk tail logs
//   - Bus / WS / SSE: replay buffer bounds, rate limits, auth timeouts
//   - Command: external task-graph CLI timeout
//
// For a complete list of the environment variables read here, see Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SessionConfig holds session-registry and lifecycle configuration.
type SessionConfig struct {
	MaxSessions       int           // Hard concurrency cap (default: 10)
	RegistryPath      string        // Path to the registry JSON snapshot file
	IndexDBPath       string        // Path to the sqlite convenience index
	IdleTTL           time.Duration // Idle-reaper TTL (default: 2h)
	ReaperInterval    time.Duration // Idle-reaper sweep cadence (default: 5m)
	MuxBackend        string        // "tmux" or "docker"
	MuxCallTimeout    time.Duration // Per-mux-call timeout (default: 5s)
	DefaultLLMCommand string        // Command line used to launch the agent CLI
}

// ThrottleConfig holds output-throttle configuration.
type ThrottleConfig struct {
	FlushIntervalMs int    // Debounce interval (default: 100ms)
	MaxBatchSize    int    // Max lines per flush (default: 128)
	PersistLogs     bool   // Whether to tail raw output to disk
	LogDir          string // Directory for per-session tail logs
}

// BusConfig holds event-bus and replay-buffer configuration.
type BusConfig struct {
	ReplayBufferSize int           // Max replay buffer entries (default: 1000)
	ReplayBufferAge  time.Duration // Max replay buffer age (default: 1h)
}

// WSConfig holds WebSocket chat server configuration.
type WSConfig struct {
	AuthTimeout       time.Duration // Auth handshake deadline (default: 10s)
	MessageRatePerMin int           // Token-bucket rate for `message` frames (default: 60)
	TypingRatePerMin  int           // Token-bucket rate for `typing` frames (default: 30)
	APIKeys           []string      // Accepted API keys; empty disables auth
}

// SSEConfig holds Server-Sent Events configuration.
type SSEConfig struct {
	KeepaliveInterval time.Duration // SSE keepalive interval (default: 15s)
}

// CommandClientConfig holds external command-client configuration.
type CommandClientConfig struct {
	Binary    string // Path to the external task-graph CLI
	TimeoutMs int    // Default per-call timeout (default: 15000)
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Session     SessionConfig
	Throttle    ThrottleConfig
	Bus         BusConfig
	WS          WSConfig
	SSE         SSEConfig
	Command     CommandClientConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/orchestrator.db"),
		Session: SessionConfig{
			MaxSessions:       getEnvInt("ORCH_MAX_SESSIONS", 10),
			RegistryPath:      getEnv("ORCH_REGISTRY_PATH", "./data/sessions.json"),
			IndexDBPath:       getEnv("ORCH_INDEX_DB_PATH", "./data/sessions-index.db"),
			IdleTTL:           getEnvDuration("ORCH_SESSION_IDLE_TTL", 2*time.Hour),
			ReaperInterval:    getEnvDuration("ORCH_REAPER_INTERVAL", 5*time.Minute),
			MuxBackend:        getEnv("ORCH_MUX_BACKEND", "tmux"),
			MuxCallTimeout:    getEnvDuration("ORCH_MUX_CALL_TIMEOUT", 5*time.Second),
			DefaultLLMCommand: getEnv("ORCH_LLM_COMMAND", "claude --dangerously-skip-permissions"),
		},
		Throttle: ThrottleConfig{
			FlushIntervalMs: getEnvInt("ORCH_THROTTLE_FLUSH_MS", 100),
			MaxBatchSize:    getEnvInt("ORCH_THROTTLE_MAX_BATCH", 128),
			PersistLogs:     getEnvBool("ORCH_THROTTLE_PERSIST_LOGS", true),
			LogDir:          getEnv("ORCH_LOG_DIR", "./data/logs/sessions"),
		},
		Bus: BusConfig{
			ReplayBufferSize: getEnvInt("ORCH_REPLAY_BUFFER_SIZE", 1000),
			ReplayBufferAge:  getEnvDuration("ORCH_REPLAY_BUFFER_AGE", time.Hour),
		},
		WS: WSConfig{
			AuthTimeout:       getEnvDuration("ORCH_WS_AUTH_TIMEOUT", 10*time.Second),
			MessageRatePerMin: getEnvInt("ORCH_WS_MESSAGE_RATE", 60),
			TypingRatePerMin:  getEnvInt("ORCH_WS_TYPING_RATE", 30),
			APIKeys:           splitCSV(getEnv("ORCH_WS_API_KEYS", "")),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("ORCH_SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		},
		Command: CommandClientConfig{
			Binary:    getEnv("ORCH_BD_BINARY", "bd"),
			TimeoutMs: getEnvInt("ORCH_BD_TIMEOUT_MS", 15000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("ORCH_MAX_SESSIONS must be > 0")
	}
	if c.Session.RegistryPath == "" {
		return fmt.Errorf("ORCH_REGISTRY_PATH cannot be empty")
	}
	if c.Session.MuxBackend != "tmux" && c.Session.MuxBackend != "docker" {
		return fmt.Errorf("ORCH_MUX_BACKEND must be \"tmux\" or \"docker\"")
	}
	if c.Throttle.FlushIntervalMs <= 0 {
		return fmt.Errorf("ORCH_THROTTLE_FLUSH_MS must be > 0")
	}
	if c.Throttle.MaxBatchSize <= 0 {
		return fmt.Errorf("ORCH_THROTTLE_MAX_BATCH must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
