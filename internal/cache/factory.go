package cache

import (
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewStore creates a redis-backed store when configured, otherwise in-memory.
func NewStore(redisURL string, maxEntries int) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryStore(maxEntries), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}
