package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

const channelPrefix = "crewline:events:"

// RedisNotifier publishes events to Redis pub/sub, one channel per routed
// destination. Publishes are rate-limited so a flood of queued tasks cannot
// saturate a channel; events over the limit are dropped, which is within
// the best-effort contract.
type RedisNotifier struct {
	client  *redis.Client
	limiter *rate.Limiter
}

// NewRedisNotifier connects to Redis at addr. perSecond bounds the publish
// rate; <= 0 means 50/s with a burst of 100.
func NewRedisNotifier(addr, password string, db int, perSecond float64) *RedisNotifier {
	if perSecond <= 0 {
		perSecond = 50
	}
	return &RedisNotifier{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)*2),
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev contracts.Event) error {
	if !n.limiter.Allow() {
		return fmt.Errorf("event rate limit exceeded, dropped %s for tenant %s", ev.Kind, ev.TenantID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := ev.Channel
	if channel == "" {
		channel = "default"
	}
	return n.client.Publish(ctx, channelPrefix+channel, payload).Err()
}

// Close releases the underlying Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
