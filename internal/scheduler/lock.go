// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTickInProgress is returned when another tick holds the lock.
var ErrTickInProgress = errors.New("sync tick already in progress")

// TickLock serializes ticks. Acquire returns ErrTickInProgress when the lock
// is held; the returned release func must be called exactly once.
type TickLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLock serializes ticks within one process.
type LocalLock struct {
	mu sync.Mutex
}

// Acquire implements TickLock.
func (l *LocalLock) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrTickInProgress
	}
	return l.mu.Unlock, nil
}

const (
	// DefaultLockTTL bounds how long a crashed holder blocks other instances.
	DefaultLockTTL       = 2 * time.Minute
	DefaultLockKey       = "calgate:sync:tick"
	lockOpTimeout        = 5 * time.Second
	lockRenewalFraction  = 3
	minLockRenewInterval = time.Second
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RedisLockOptions configures the Redis tick lock.
type RedisLockOptions struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0)
	URL string
	// Key is the lock key shared by all instances.
	Key string
	// TTL is renewed while the lock is held.
	TTL time.Duration
}

// RedisLock serializes ticks across instances with SET NX and a
// compare-and-delete release, so an instance can only release its own lock.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLock connects to Redis and returns a lock on opts.Key.
func NewRedisLock(ctx context.Context, opts RedisLockOptions, logger *slog.Logger) (*RedisLock, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, lockOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return newRedisLock(client, opts, logger), nil
}

func newRedisLock(client *redis.Client, opts RedisLockOptions, logger *slog.Logger) *RedisLock {
	if opts.Key == "" {
		opts.Key = DefaultLockKey
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{client: client, key: opts.Key, ttl: opts.TTL, logger: logger}
}

// Acquire implements TickLock. The lock is renewed in the background until
// release is called.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring tick lock: %w", err)
	}
	if !ok {
		return nil, ErrTickInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renewLoop(value, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.release(value); err != nil {
				l.logger.Warn("tick lock release failed", "key", l.key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLock) renewLoop(value string, stop <-chan struct{}) {
	interval := max(l.ttl/lockRenewalFraction, minLockRenewInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.renew(value); err != nil {
				l.logger.Warn("tick lock renewal failed", "key", l.key, "error", err)
				return
			}
		}
	}
}

func (l *RedisLock) renew(value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, value, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (l *RedisLock) release(value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
