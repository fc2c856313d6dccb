package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when the caller still holds it,
// so a lease that expired and was re-acquired is never released by the old
// holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return -1`

// RedisRegistry implements Registry with Redis leases for multi-process
// deployments. Keys carry a TTL; Refresh extends the lease while the
// session's worker keeps reporting.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRegistry{
		client: client,
		prefix: "devicelock:",
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(deviceID uuid.UUID) string {
	return r.prefix + deviceID.String()
}

// Acquire reserves the device for the session
func (r *RedisRegistry) Acquire(ctx context.Context, deviceID, sessionID uuid.UUID) error {
	ok, err := r.client.SetNX(ctx, r.key(deviceID), sessionID.String(), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire device lock: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := r.Holder(ctx, deviceID)
	if err != nil {
		return err
	}
	if holder == sessionID {
		// Re-entrant acquire by the same session extends the lease
		return r.Refresh(ctx, deviceID, sessionID)
	}
	if holder == uuid.Nil {
		// Lease expired between SetNX and GET; retry once
		ok, err = r.client.SetNX(ctx, r.key(deviceID), sessionID.String(), r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire device lock: %w", err)
		}
		if ok {
			return nil
		}
		holder, _ = r.Holder(ctx, deviceID)
	}

	return &AlreadyLockedError{DeviceID: deviceID, SessionID: holder}
}

// Release frees the device if the session holds it
func (r *RedisRegistry) Release(ctx context.Context, deviceID, sessionID uuid.UUID) error {
	res, err := r.client.Eval(ctx, releaseScript, []string{r.key(deviceID)}, sessionID.String()).Int64()
	if err != nil {
		return fmt.Errorf("release device lock: %w", err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}

// Refresh extends the lease while the session is still active
func (r *RedisRegistry) Refresh(ctx context.Context, deviceID, sessionID uuid.UUID) error {
	holder, err := r.Holder(ctx, deviceID)
	if err != nil {
		return err
	}
	if holder != sessionID {
		return ErrNotOwner
	}
	return r.client.Expire(ctx, r.key(deviceID), r.ttl).Err()
}

// Holder returns the session currently holding the device, or uuid.Nil
func (r *RedisRegistry) Holder(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	val, err := r.client.Get(ctx, r.key(deviceID)).Result()
	if err == redis.Nil {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get device lock: %w", err)
	}

	holder, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse lock holder: %w", err)
	}
	return holder, nil
}
