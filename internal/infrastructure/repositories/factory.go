package repositories

import (
	"context"

	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/distributed"
	"streamcast/internal/infrastructure/monitoring"
	"streamcast/internal/infrastructure/repositories/memory"
	"streamcast/pkg/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory builds the connection registry and the status notifier. Redis is
// optional: when it is disabled or unreachable, status events only go to
// the log.
type Factory struct {
	instanceID  string
	redisClient *redis.Client
	eventBus    *distributed.EventBus
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	f := &Factory{
		instanceID: uuid.NewString(),
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := distributed.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, status events will only be logged",
				"address", cfg.Redis.Address,
				"error", err,
			)
		} else {
			f.redisClient = client
			f.eventBus = distributed.NewEventBus(client, cfg.Redis.Channel, f.instanceID, logger)
			logger.Infow("publishing status events to Redis",
				"channel", cfg.Redis.Channel,
				"instance_id", f.instanceID,
			)
		}
	}

	return f
}

func (f *Factory) InstanceID() string { return f.instanceID }

func (f *Factory) CreateConnectionRegistry() *memory.MemoryConnectionRegistry {
	return memory.NewMemoryConnectionRegistry(f.logger)
}

// CreateNotifier returns the log notifier, fanned out to the Redis event bus
// when one is connected.
func (f *Factory) CreateNotifier() ports.Notifier {
	notifiers := monitoring.MultiNotifier{monitoring.NewLogNotifier(f.logger)}
	if f.eventBus != nil {
		notifiers = append(notifiers, f.eventBus)
	}
	return notifiers
}

// RedisClient returns nil when Redis is not in use.
func (f *Factory) RedisClient() redis.UniversalClient {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient
}

func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}

// Close flushes queued status events and closes the Redis client.
func (f *Factory) Close() error {
	if f.eventBus != nil {
		_ = f.eventBus.Close()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
