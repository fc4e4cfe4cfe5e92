package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr           string `env:"WS_ADDR" envDefault:":8080"`
	MaxConnections int    `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	SendBufferSize int    `env:"WS_SEND_BUFFER" envDefault:"256"`

	// Authentication
	AuthMode      string `env:"AUTH_MODE" envDefault:"optional"` // optional or strict
	AuthJWTSecret string `env:"AUTH_JWT_SECRET,required"`
	AuthJWTIssuer string `env:"AUTH_JWT_ISSUER" envDefault:""`

	// User directory. Empty URI selects the in-memory directory, which
	// only makes sense for local development.
	MongoURI            string        `env:"MONGO_URI" envDefault:""`
	MongoDatabase       string        `env:"MONGO_DATABASE" envDefault:"chatgate"`
	MongoUserCollection string        `env:"MONGO_USER_COLLECTION" envDefault:"users"`
	DirectoryTimeout    time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"5s"`

	// Broadcast relay. Empty URL runs the gateway as a single process.
	NATSURL     string `env:"NATS_URL" envDefault:""`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"chatgate.emits"`

	// In-session rate limiting (fixed windows, per connection)
	EventRateLimit    int           `env:"RATE_LIMIT_EVENTS" envDefault:"100"`
	EventRateWindow   time.Duration `env:"RATE_LIMIT_EVENT_WINDOW" envDefault:"60s"`
	MessageRateLimit  int           `env:"RATE_LIMIT_MESSAGES" envDefault:"30"`
	MessageRateWindow time.Duration `env:"RATE_LIMIT_MESSAGE_WINDOW" envDefault:"60s"`

	// Handshake guard (token buckets, pre-upgrade)
	HandshakeIPBurst     int     `env:"HANDSHAKE_IP_BURST" envDefault:"10"`
	HandshakeIPRate      float64 `env:"HANDSHAKE_IP_RATE" envDefault:"1.0"`
	HandshakeGlobalBurst int     `env:"HANDSHAKE_GLOBAL_BURST" envDefault:"300"`
	HandshakeGlobalRate  float64 `env:"HANDSHAKE_GLOBAL_RATE" envDefault:"50.0"`

	// Rooms and cleanup
	ReservedRoomPrefix string        `env:"RESERVED_ROOM_PREFIX" envDefault:"sys:"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	RoomTTL            time.Duration `env:"ROOM_TTL" envDefault:"10m"`

	// Notification delivery pool
	NotifyWorkers   int `env:"NOTIFY_WORKERS" envDefault:"8"`
	NotifyQueueSize int `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig() (*Config, error) {
	// .env is a development convenience; production supplies real
	// environment variables and has no file.
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBufferSize)
	}

	if c.AuthMode != "optional" && c.AuthMode != "strict" {
		return fmt.Errorf("AUTH_MODE must be optional or strict (got: %s)", c.AuthMode)
	}
	if len(c.AuthJWTSecret) < 16 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 16 bytes")
	}

	if c.EventRateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT_EVENTS must be > 0, got %d", c.EventRateLimit)
	}
	if c.EventRateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_EVENT_WINDOW must be > 0, got %s", c.EventRateWindow)
	}
	if c.MessageRateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT_MESSAGES must be > 0, got %d", c.MessageRateLimit)
	}
	if c.MessageRateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MESSAGE_WINDOW must be > 0, got %s", c.MessageRateWindow)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be > 0, got %s", c.CleanupInterval)
	}
	if c.RoomTTL < 0 {
		return fmt.Errorf("ROOM_TTL must be >= 0, got %s", c.RoomTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Str("auth_mode", c.AuthMode).
		Bool("mongo_directory", c.MongoURI != "").
		Bool("nats_relay", c.NATSURL != "").
		Int("event_rate_limit", c.EventRateLimit).
		Dur("event_rate_window", c.EventRateWindow).
		Int("message_rate_limit", c.MessageRateLimit).
		Dur("message_rate_window", c.MessageRateWindow).
		Str("reserved_room_prefix", c.ReservedRoomPrefix).
		Dur("cleanup_interval", c.CleanupInterval).
		Dur("room_ttl", c.RoomTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
