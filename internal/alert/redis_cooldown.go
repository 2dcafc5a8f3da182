package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/septivank/telemetry-health-worker/internal/clock"
)

// RedisCooldowns keeps cooldown windows as expiring Redis keys so that
// suppression survives restarts and is shared between replicas
type RedisCooldowns struct {
	client *redis.Client
	clock  clock.Clock
	prefix string
}

// NewRedisCooldowns creates a Redis backed cooldown table
func NewRedisCooldowns(client *redis.Client, clk clock.Clock, prefix string) *RedisCooldowns {
	if prefix == "" {
		prefix = "alert:cooldown"
	}
	return &RedisCooldowns{client: client, clock: clk, prefix: prefix}
}

// Acquire sets the cooldown key with NX and a TTL of cooldown. The key
// already existing means the pair is still cooling down.
func (c *RedisCooldowns) Acquire(ctx context.Context, deviceID, rule string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}

	ok, err := c.client.SetNX(ctx, c.key(deviceID, rule), c.clock.Now().UnixMilli(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("[REDIS] failed to set cooldown key: %w", err)
	}
	return ok, nil
}

func (c *RedisCooldowns) key(deviceID, rule string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, deviceID, rule)
}

// NewRedisClient creates a Redis client and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, database int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       database,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("[REDIS] failed to connect to %s: %w", addr, err)
	}
	return client, nil
}
