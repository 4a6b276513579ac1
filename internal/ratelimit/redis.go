package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript increments the counter and sets its expiry on the first
// increment as one server-side unit.
var incrExpireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisCounterStore backs the limiter with a redis instance shared across
// all server processes.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrExpireScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
