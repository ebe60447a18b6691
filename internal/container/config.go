// Package container wires the requisition portal together and owns its
// lifecycle: ordered initialization and reverse-order teardown.
package container

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garyjia/requisition-portal/internal/domain/routing"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds all configuration for the Container
type Config struct {
	Database   DatabaseConfig
	Routing    *routing.Policy
	Storage    StorageConfig
	Lock       LockConfig
	Lark       LarkConfig
	Server     ServerConfig
	Reconciler ReconcilerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	// Path to SQLite database file, or ":memory:"
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StorageConfig holds attachment storage settings
type StorageConfig struct {
	AttachmentDir      string
	MaxAttachmentBytes int64
}

// LockConfig selects and tunes the per-requisition lock
type LockConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Wait          time.Duration
}

// LarkConfig holds Lark notification settings
type LarkConfig struct {
	Enabled       bool
	AppID         string
	AppSecret     string
	ReceiveIDType string
	OpsChatID     string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// ReconcilerConfig holds projection reconciler settings
type ReconcilerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns a Config with sensible defaults and an empty
// routing policy
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "data/requisitions.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Routing: routing.NewPolicy(decimal.NewFromInt(10000), nil, nil),
		Storage: StorageConfig{
			AttachmentDir:      "data/attachments",
			MaxAttachmentBytes: 20 << 20,
		},
		Lock: LockConfig{
			Backend: LockLocal,
			TTL:     30 * time.Second,
			Wait:    5 * time.Second,
		},
		Lark: LarkConfig{
			ReceiveIDType: "user_id",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Reconciler: ReconcilerConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			BatchSize: 200,
		},
	}
}

// Validate checks that required configuration values are present
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Routing == nil {
		return fmt.Errorf("routing policy is required")
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if c.Storage.AttachmentDir == "" {
		return fmt.Errorf("storage attachment dir is required")
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Lark.Enabled && (c.Lark.AppID == "" || c.Lark.AppSecret == "") {
		return fmt.Errorf("lark app id and secret are required when lark is enabled")
	}
	return nil
}
