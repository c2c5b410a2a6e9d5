package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const DefaultChannel = "streamcast:status"

// Publisher is the part of a redis client the event bus needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Event is the wire form of a status event on the bus.
type Event struct {
	InstanceID   string              `json:"instance_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Severity     domain.Severity     `json:"severity"`
	Message      string              `json:"message"`
	Active       bool                `json:"active"`
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
}

// EventBus publishes status events to a redis channel. Notify never blocks:
// events are queued and published by a single worker, and dropped when the
// queue is full.
type EventBus struct {
	publisher  Publisher
	channel    string
	instanceID string
	timeout    time.Duration
	logger     *zap.SugaredLogger

	mu        sync.RWMutex
	closed    bool
	queue     chan Event
	published atomic.Int64
	dropped   atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewEventBus(
	publisher Publisher,
	channel string,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	eb := &EventBus{
		publisher:  publisher,
		channel:    channel,
		instanceID: instanceID,
		timeout:    2 * time.Second,
		logger:     logger,
		queue:      make(chan Event, 256),
		done:       make(chan struct{}),
	}
	go eb.run()
	return eb
}

// Notify implements ports.Notifier.
func (eb *EventBus) Notify(event domain.StatusEvent) {
	e := Event{
		InstanceID:   eb.instanceID,
		Timestamp:    event.Time,
		Severity:     event.Severity,
		Message:      event.Message,
		Active:       event.Active,
		ConnectionID: event.ConnectionID,
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		eb.dropped.Inc()
		return
	}
	select {
	case eb.queue <- e:
	default:
		eb.dropped.Inc()
		eb.logger.Warnw("event bus queue full, status event dropped",
			"severity", event.Severity,
			"message", event.Message,
		)
	}
}

func (eb *EventBus) run() {
	defer close(eb.done)
	for e := range eb.queue {
		if err := eb.Publish(context.Background(), e); err != nil {
			eb.logger.Warnw("failed to publish status event", "error", err, "severity", e.Severity)
		}
	}
}

// Publish sends one event synchronously.
func (eb *EventBus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()
	if err := eb.publisher.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.published.Inc()
	eb.logger.Debugw("published status event",
		"channel", eb.channel,
		"severity", e.Severity,
		"connection_id", e.ConnectionID,
	)
	return nil
}

// Published and Dropped count events since start.
func (eb *EventBus) Published() int64 { return eb.published.Load() }
func (eb *EventBus) Dropped() int64   { return eb.dropped.Load() }

// Close stops accepting events and waits until the queued ones are
// published.
func (eb *EventBus) Close() error {
	eb.closeOnce.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		close(eb.queue)
		eb.mu.Unlock()
	})
	<-eb.done
	return nil
}

// DecodeEvent parses a payload received from the channel.
func DecodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return e, nil
}
