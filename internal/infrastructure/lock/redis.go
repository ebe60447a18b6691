package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
)

// RedisConfig configures the distributed lock
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed holder keeps the lock
	TTL time.Duration
	// Wait bounds how long Lock retries when ctx has no deadline
	Wait       time.Duration
	RetryEvery time.Duration
	KeyPrefix  string
}

// RedisLocker serializes transitions per requisition across processes
type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedisClient creates a go-redis client from cfg
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisLocker creates a lock backed by client
func NewRedisLocker(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 50 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "requisition-lock"
	}
	return &RedisLocker{
		client: client,
		locker: redislock.New(client),
		cfg:    cfg,
		logger: logger,
	}
}

// Ping checks the redis connection
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Lock obtains the requisition's lock, retrying until ctx's deadline or the
// configured wait elapses
func (l *RedisLocker) Lock(ctx context.Context, requisitionID int64) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Wait)
		defer cancel()
	}

	key := l.key(requisitionID)
	lock, err := l.locker.Obtain(ctx, key, l.cfg.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.cfg.RetryEvery),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock %s held by another process", key)
	}
	if err != nil {
		l.logger.Error("Failed to obtain lock", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Release must run even when the request context is gone
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Close closes the redis client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) key(requisitionID int64) string {
	return fmt.Sprintf("%s:%d", l.cfg.KeyPrefix, requisitionID)
}

// Verify interface compliance
var _ port.Locker = (*RedisLocker)(nil)
