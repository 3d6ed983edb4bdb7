package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

// ErrLockNotAcquired means another caller holds the slot. It wraps
// booking.ErrConflict so the manager reports it like a lost version race.
var ErrLockNotAcquired = fmt.Errorf("%w: slot lock held by another caller", booking.ErrConflict)

var _ booking.ConflictResolver = (*SlotLocker)(nil)

// SlotLocker serializes claims on a slot with a Redis key per slot. The
// store's version check still runs inside the lock, so an expired lock can
// cost throughput but never a double booking.
type SlotLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewSlotLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *SlotLocker {
	return &SlotLocker{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func lockKey(slotID uuid.UUID) string {
	return "lock:slot:" + slotID.String()
}

func (l *SlotLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(slotID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn("slot lock release failed, it expires with its ttl",
				zap.String("slot_id", slotID.String()),
				zap.Duration("ttl", l.ttl),
				zap.Error(err),
			)
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(lockCtx)
}

// Only the token holder may delete the key.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *SlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
