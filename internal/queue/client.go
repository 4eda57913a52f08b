package queue

import (
	"github.com/go-redis/redis/v8"

	"github.com/streamforge/transcoder/internal/config"
)

// NewRedisClient builds the shared go-redis client the queue and worker
// components reuse.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
