// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all hanashid configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Path is a SQLite file; ":memory:" for tests.
	DatabasePath string

	// JWT settings for socket tokens.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	SocketTokenTTL    time.Duration

	// Bootstrap user created on first start when the users table is empty.
	BootstrapEmail    string
	BootstrapPassword string

	// Agent settings.
	WorkspaceDir  string        // Root directory tool executions may write under.
	ChunkInterval time.Duration // Pacing between streamed agent chunks.

	// Rate limiting of send_message pushes, per user.
	SendRatePerMinute int
	SendBurst         int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel      string
	MCPEnabled    bool
	MaxFrameBytes int64 // Maximum inbound websocket frame size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
// All malformed variables are reported together rather than one at a time.
func Load() (Config, error) {
	var errs []error

	port, err := envInt("HANASHI_PORT", 8080)
	errs = append(errs, err)
	readTimeout, err := envDuration("HANASHI_READ_TIMEOUT", 30*time.Second)
	errs = append(errs, err)
	writeTimeout, err := envDuration("HANASHI_WRITE_TIMEOUT", 30*time.Second)
	errs = append(errs, err)
	socketTTL, err := envDuration("HANASHI_SOCKET_TOKEN_TTL", 10*time.Minute)
	errs = append(errs, err)
	chunkInterval, err := envDuration("HANASHI_CHUNK_INTERVAL", 40*time.Millisecond)
	errs = append(errs, err)
	sendRate, err := envInt("HANASHI_SEND_RATE_PER_MINUTE", 30)
	errs = append(errs, err)
	sendBurst, err := envInt("HANASHI_SEND_BURST", 5)
	errs = append(errs, err)
	mcpEnabled, err := envBool("HANASHI_MCP_ENABLED", false)
	errs = append(errs, err)
	otelInsecure, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	errs = append(errs, err)
	maxFrame, err := envInt("HANASHI_MAX_FRAME_BYTES", 256*1024)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := Config{
		Port:              port,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		DatabasePath:      envStr("HANASHI_DB_PATH", "hanashi.db"),
		JWTPrivateKeyPath: envStr("HANASHI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("HANASHI_JWT_PUBLIC_KEY", ""),
		SocketTokenTTL:    socketTTL,
		BootstrapEmail:    envStr("HANASHI_BOOTSTRAP_EMAIL", "dev@hanashi.local"),
		BootstrapPassword: envStr("HANASHI_BOOTSTRAP_PASSWORD", ""),
		WorkspaceDir:      envStr("HANASHI_WORKSPACE_DIR", "workspace"),
		ChunkInterval:     chunkInterval,
		SendRatePerMinute: sendRate,
		SendBurst:         sendBurst,
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      otelInsecure,
		ServiceName:       envStr("OTEL_SERVICE_NAME", "hanashi"),
		LogLevel:          envStr("HANASHI_LOG_LEVEL", "info"),
		MCPEnabled:        mcpEnabled,
		MaxFrameBytes:     int64(maxFrame),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: HANASHI_DB_PATH is required")
	}
	if c.SendRatePerMinute <= 0 {
		return fmt.Errorf("config: HANASHI_SEND_RATE_PER_MINUTE must be positive")
	}
	if c.SendBurst <= 0 {
		return fmt.Errorf("config: HANASHI_SEND_BURST must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: HANASHI_MAX_FRAME_BYTES must be positive")
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("config: HANASHI_CHUNK_INTERVAL must be positive")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return fmt.Errorf("config: HANASHI_JWT_PRIVATE_KEY and HANASHI_JWT_PUBLIC_KEY must be set together")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
