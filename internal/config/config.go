// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for replication timings and limits.
//
// IMPORTANT: When changing defaults, only modify this file.
// Binaries translate these values into the options of each package.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds the authority's HTTP and loop settings.
type ServerConfig struct {
	Port         int
	TickInterval time.Duration // Host loop period
	CertFile     string        // TLS certificate, plain HTTP when empty
	KeyFile      string
	CORSOrigins  []string // Allowed CORS origins for the HTTP API
	WSOrigins    []string // Allowed browser origins for /ws
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:         3000,
		TickInterval: 50 * time.Millisecond, // 20 ticks per second
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if d := getEnvDuration("TICK_INTERVAL", 0); d > 0 {
		cfg.TickInterval = d
	}
	cfg.CertFile = os.Getenv("TLS_CERT_FILE")
	cfg.KeyFile = os.Getenv("TLS_KEY_FILE")
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS")
	cfg.WSOrigins = getEnvList("WS_ORIGINS")

	return cfg
}

// Addr returns the listen address for the configured port.
func (c ServerConfig) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// =============================================================================
// REPLICATION CONFIGURATION
// =============================================================================

// ReplicationConfig holds protocol timings shared by both sides.
type ReplicationConfig struct {
	PingInterval        time.Duration // Heartbeat period per connection
	ServerReturnTimeout time.Duration // Authority waits this long for a client reply
	ClientReturnTimeout time.Duration // Client waits this long for an authority reply
	ReconnectDelay      time.Duration // Client redial delay after a transport error
	MaxMessageSize      int           // Bytes per received envelope
}

// DefaultReplication returns the default protocol timings.
func DefaultReplication() ReplicationConfig {
	return ReplicationConfig{
		PingInterval:        time.Second,
		ServerReturnTimeout: 2 * time.Second,
		ClientReturnTimeout: 5 * time.Second,
		ReconnectDelay:      10 * time.Second,
		MaxMessageSize:      1024 * 1024, // 1MB
	}
}

// ReplicationFromEnv returns protocol timings with environment variable overrides.
func ReplicationFromEnv() ReplicationConfig {
	cfg := DefaultReplication()

	if d := getEnvDuration("PING_INTERVAL", 0); d > 0 {
		cfg.PingInterval = d
	}
	if d := getEnvDuration("SERVER_RETURN_TIMEOUT", 0); d > 0 {
		cfg.ServerReturnTimeout = d
	}
	if d := getEnvDuration("CLIENT_RETURN_TIMEOUT", 0); d > 0 {
		cfg.ClientReturnTimeout = d
	}
	if d := getEnvDuration("RECONNECT_DELAY", 0); d > 0 {
		cfg.ReconnectDelay = d
	}
	if n := getEnvInt("MAX_MESSAGE_SIZE", 0); n > 0 {
		cfg.MaxMessageSize = n
	}

	return cfg
}

// =============================================================================
// RESOURCE LIMITS
// =============================================================================

// ResourceLimits controls DoS protection.
type ResourceLimits struct {
	MaxConnections    int     // Hard cap on concurrent sockets
	MaxPerIP          int     // Concurrent sockets per IP
	RequestsPerSecond float64 // HTTP requests per second per IP
	Burst             int     // HTTP burst per IP
}

// DefaultLimits returns the default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxConnections:    500,
		MaxPerIP:          10,
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// LimitsFromEnv returns resource limits with environment variable overrides.
func LimitsFromEnv() ResourceLimits {
	cfg := DefaultLimits()

	if n := getEnvInt("MAX_CONNECTIONS", 0); n > 0 {
		cfg.MaxConnections = n
	}
	if n := getEnvInt("MAX_CONNECTIONS_PER_IP", 0); n > 0 {
		cfg.MaxPerIP = n
	}
	if r := getEnvFloat("RATE_LIMIT_RPS", 0); r > 0 {
		cfg.RequestsPerSecond = r
	}
	if b := getEnvInt("RATE_LIMIT_BURST", 0); b > 0 {
		cfg.Burst = b
	}

	return cfg
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds the receiving process's settings.
type ClientConfig struct {
	ServerURL    string
	TickInterval time.Duration // Network loop period
	Name         string        // Display name announced to the arena
}

// DefaultClient returns the default client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL:    "ws://localhost:3000/ws",
		TickInterval: 50 * time.Millisecond,
		Name:         "player",
	}
}

// ClientFromEnv returns client configuration with environment variable overrides.
func ClientFromEnv() ClientConfig {
	cfg := DefaultClient()

	if u := os.Getenv("SERVER_URL"); u != "" {
		cfg.ServerURL = u
	}
	if d := getEnvDuration("CLIENT_TICK_INTERVAL", 0); d > 0 {
		cfg.TickInterval = d
	}
	if n := os.Getenv("PLAYER_NAME"); n != "" {
		cfg.Name = n
	}

	return cfg
}

// =============================================================================
// DEBUG CONFIGURATION
// =============================================================================

// DebugConfig holds the observability server settings.
type DebugConfig struct {
	Enabled  bool
	Addr     string // Localhost only unless ALLOW_DEBUG_EXTERNAL=true
	User     string // Optional basic auth
	Password string
}

// DefaultDebug returns the default debug server configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{
		Enabled: true,
		Addr:    "127.0.0.1:6060",
	}
}

// DebugFromEnv returns debug configuration with environment variable overrides.
func DebugFromEnv() DebugConfig {
	cfg := DefaultDebug()

	if os.Getenv("DEBUG_ENABLED") == "false" {
		cfg.Enabled = false
	}
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		cfg.Addr = a
	}
	cfg.User = os.Getenv("DEBUG_USER")
	cfg.Password = os.Getenv("DEBUG_PASSWORD")

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server      ServerConfig
	Replication ReplicationConfig
	Limits      ResourceLimits
	Client      ClientConfig
	Debug       DebugConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:      ServerFromEnv(),
		Replication: ReplicationFromEnv(),
		Limits:      LimitsFromEnv(),
		Client:      ClientFromEnv(),
		Debug:       DebugFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("250ms") or bare milliseconds
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, nil when unset
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
