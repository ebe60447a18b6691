package config

import (
	"fmt"

	"github.com/garyjia/requisition-portal/internal/container"
)

// ToContainerConfig converts the file-based configuration into the
// container's configuration structure
func (c *Config) ToContainerConfig() (*container.Config, error) {
	policy, err := c.RoutingPolicy()
	if err != nil {
		return nil, fmt.Errorf("build routing policy: %w", err)
	}

	return &container.Config{
		Database: container.DatabaseConfig{
			Path:            c.Database.Path,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
		},
		Routing: policy,
		Storage: container.StorageConfig{
			AttachmentDir:      c.Storage.AttachmentDir,
			MaxAttachmentBytes: c.Storage.MaxAttachmentBytes,
		},
		Lock: container.LockConfig{
			Backend:       c.Lock.Backend,
			RedisAddr:     c.Lock.RedisAddr,
			RedisPassword: c.Lock.RedisPassword,
			RedisDB:       c.Lock.RedisDB,
			TTL:           c.Lock.TTL,
			Wait:          c.Lock.Wait,
		},
		Lark: container.LarkConfig{
			Enabled:       c.Lark.Enabled(),
			AppID:         c.Lark.AppID,
			AppSecret:     c.Lark.AppSecret,
			ReceiveIDType: c.Lark.ReceiveIDType,
			OpsChatID:     c.Lark.OpsChatID,
		},
		Server: container.ServerConfig{
			Host:            c.Server.Host,
			Port:            c.Server.Port,
			ReadTimeout:     c.Server.ReadTimeout,
			WriteTimeout:    c.Server.WriteTimeout,
			ShutdownTimeout: c.Server.ShutdownTimeout,
			AllowedOrigins:  c.Server.AllowedOrigins,
		},
		Reconciler: container.ReconcilerConfig{
			Enabled:   c.Reconciler.Enabled,
			Interval:  c.Reconciler.Interval,
			BatchSize: c.Reconciler.BatchSize,
		},
	}, nil
}
