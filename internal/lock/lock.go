// Package lock provides non-blocking per-key exclusive locks, backed by Redis
// (redsync) when the service runs as several replicas and by process memory
// otherwise.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey = errors.New("lock key is empty")
	ErrNotHeld  = errors.New("lock was not held or already expired")
)

// Handle is an acquired lock.
type Handle interface {
	// Extend resets the expiry of a lock that is still held. It fails with
	// ErrNotHeld once the lock has expired or been released.
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Locker acquires a lock without waiting. ok is false when another holder
// has the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (h Handle, ok bool, err error)
}

// RedisLocker is a single-attempt redsync mutex per key. A holder that crashes
// loses the lock after expiry.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if expiry <= 0 {
		return nil, fmt.Errorf("lock expiry must be positive, got %s", expiry)
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger,
	}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || strings.Contains(err.Error(), "lock already taken") {
			l.logger.Debug("lock already held", zap.String("lock_key", key))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	l.logger.Debug("lock acquired", zap.String("lock_key", key))
	return &redisHandle{mutex: mutex, logger: l.logger}, true, nil
}

type redisHandle struct {
	mutex  *redsync.Mutex
	logger *zap.Logger
}

func (h *redisHandle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if ok {
		return nil
	}
	var redisErr *redsync.RedisError
	if errors.As(err, &redisErr) {
		h.logger.Error("failed to extend lock", zap.String("lock_key", h.mutex.Name()), zap.Error(err))
		return fmt.Errorf("extend lock: %w", err)
	}
	return ErrNotHeld
}

func (h *redisHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Error("failed to release lock", zap.String("lock_key", h.mutex.Name()), zap.Error(err))
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok {
		h.logger.Warn("lock was not held or already expired", zap.String("lock_key", h.mutex.Name()))
		return ErrNotHeld
	}
	return nil
}
