package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained is returned when another holder kept the lock past the wait window.
var ErrLockNotObtained = errors.New("lock not obtained")

const lockRetryInterval = 100 * time.Millisecond

type Client struct {
	rdb     *redis.Client
	locker  *redislock.Client
	lockTTL time.Duration
	maxWait time.Duration
}

// NewClient creates a new Redis client and lock manager
func NewClient(addr, password string, db int, lockTTL, maxWait time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:     rdb,
		locker:  redislock.New(rdb),
		lockTTL: lockTTL,
		maxWait: maxWait,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping is used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// EventLockKey is the key guarding one provider event
func EventLockKey(provider, eventID string) string {
	return fmt.Sprintf("lock:webhook:%s:%s", provider, eventID)
}

// LockEvent serializes deliveries of the same provider event across instances.
// It retries until maxWait elapses; the returned release func never fails.
func (c *Client) LockEvent(ctx context.Context, provider, eventID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	lock, err := c.locker.Obtain(waitCtx, EventLockKey(provider, eventID), c.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain event lock: %w", err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}
