package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrServiceUnhealthy = errors.New("service unhealthy")

// AddRedisCheck pings the status event bus.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddServiceCheck fails while healthy reports false.
func (h *HealthChecker) AddServiceCheck(name string, healthy func() bool, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		if !healthy() {
			return ErrServiceUnhealthy
		}
		return nil
	}, timeout)
}
