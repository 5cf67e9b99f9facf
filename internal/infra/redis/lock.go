package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const lockKey = "drip:scheduler:lock"

// Delete only a lock we still own.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SchedulerLock serializes scheduler ticks across instances. Running two
// schedulers concurrently without it risks double-sending a due step.
type SchedulerLock struct {
	client *goredis.Client
}

func NewSchedulerLock(client *goredis.Client) (*SchedulerLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &SchedulerLock{client: client}, nil
}

// Acquire attempts to take the tick lock for the given ttl. On success it
// returns a release func; on contention it returns acquired=false.
func (l *SchedulerLock) Acquire(ctx context.Context, ttl time.Duration) (bool, func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return false, nil, fmt.Errorf("scheduler lock is not initialized")
	}
	if ttl <= 0 {
		return false, nil, fmt.Errorf("lock ttl must be positive")
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !acquired {
		return false, nil, nil
	}

	release := func(releaseCtx context.Context) error {
		if releaseCtx == nil {
			releaseCtx = context.Background()
		}
		if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release scheduler lock: %w", err)
		}
		return nil
	}

	return true, release, nil
}
