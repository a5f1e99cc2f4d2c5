package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix      = "batchops:lock"
	defaultOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Redis is a distributed Locker using SET NX PX with token-checked release.
type Redis struct {
	client           redis.UniversalClient
	prefix           string
	operationTimeout time.Duration
}

// NewRedis creates a Redis-backed locker
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		client:           client,
		prefix:           strings.TrimRight(prefix, ":"),
		operationTimeout: defaultOperationTimeout,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token := randomToken()

	opCtx, cancel := context.WithTimeout(ctx, r.operationTimeout)
	defer cancel()
	acquired, err := r.client.SetNX(opCtx, r.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	return &Lease{
		Key:      key,
		Token:    token,
		ExpireAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

func (r *Redis) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, r.operationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, r.client, []string{r.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", lease.Key, err)
	}
	if result == 0 {
		return ErrNotHeld
	}

	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

func (r *Redis) Release(ctx context.Context, lease *Lease) error {
	opCtx, cancel := context.WithTimeout(ctx, r.operationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, r.client, []string{r.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) fullKey(key string) string {
	return r.prefix + ":" + strings.TrimSpace(key)
}
