package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

// DB indexes on the shared Dragonfly/Redis instance. The job queue uses the
// default DB, the rate limiter keeps its counters apart.
const (
	QueueDB   = 0
	LimiterDB = 1
)

var client *redis.Client

// SetupCache connects to the cache server. A failed ping is logged but not
// fatal; callers decide via Ping whether they can run without it.
func SetupCache(cfg config.CacheConfig) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       QueueDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if pong, err := client.Ping(ctx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to %s: %s", cfg.Addr(), pong)
	}
	return client
}

// GetClient returns the client opened by SetupCache, or nil before setup.
func GetClient() *redis.Client {
	return client
}

// Ping checks the cache connection.
func Ping(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("cache not initialized")
	}
	return client.Ping(ctx).Err()
}
