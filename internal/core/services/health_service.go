package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	EvictAckTimeout  = "ack_timeout"
	EvictProbeFailed = "probe_failed"
)

// HealthService periodically probes every registered connection and evicts
// the ones that stopped acknowledging or can no longer be written to.
type HealthService struct {
	registry ports.ConnectionRegistry
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	notifier ports.Notifier
	logger   *zap.SugaredLogger

	interval     time.Duration
	ackTimeout   time.Duration
	probeTimeout time.Duration

	evictions atomic.Int64
}

func NewHealthService(
	registry ports.ConnectionRegistry,
	clk clock.Clock,
	interval, ackTimeout, probeTimeout time.Duration,
	metrics ports.MetricsRecorder,
	notifier ports.Notifier,
	logger *zap.SugaredLogger,
) *HealthService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &HealthService{
		registry:     registry,
		clock:        clk,
		metrics:      metrics,
		notifier:     notifier,
		logger:       logger,
		interval:     interval,
		ackTimeout:   ackTimeout,
		probeTimeout: probeTimeout,
	}
}

// Run sweeps every interval until ctx is done.
func (h *HealthService) Run(ctx context.Context) {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := h.Sweep(ctx); evicted > 0 {
				h.logger.Infow("health sweep evicted connections",
					"evicted", evicted,
					"remaining", h.registry.Len(),
				)
			}
		}
	}
}

// Sweep checks every registered connection once and returns how many were
// evicted. Probes run concurrently so one stuck peer cannot delay the rest.
func (h *HealthService) Sweep(ctx context.Context) int {
	now := h.clock.Now()

	var (
		wg      sync.WaitGroup
		evicted atomic.Int64
	)
	for _, conn := range h.registry.Snapshot() {
		if idle := now.Sub(conn.LastAck()); idle > h.ackTimeout {
			if h.evict(conn, EvictAckTimeout, fmt.Errorf("no ack for %s", idle)) {
				evicted.Inc()
			}
			continue
		}

		wg.Add(1)
		go func(conn *domain.PeerConnection) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
			defer cancel()
			if err := conn.Probe(probeCtx); err != nil {
				if h.evict(conn, EvictProbeFailed, err) {
					evicted.Inc()
				}
			}
		}(conn)
	}
	wg.Wait()

	return int(evicted.Load())
}

// Evictions returns the total number of evictions since start.
func (h *HealthService) Evictions() int64 {
	return h.evictions.Load()
}

func (h *HealthService) evict(conn *domain.PeerConnection, reason string, cause error) bool {
	// Sends stop before the registry entry goes so a broadcast holding an
	// older snapshot cannot reach the peer.
	conn.Retire()
	if !h.registry.Unregister(conn.ID) {
		return false
	}
	if err := conn.Close(); err != nil {
		h.logger.Debugw("error closing evicted connection", "connection_id", conn.ID, "error", err)
	}

	h.evictions.Inc()
	h.metrics.ConnectionClosed(reason)
	h.logger.Warnw("connection evicted",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr(),
		"reason", reason,
		"error", cause,
	)
	h.notifier.Notify(domain.StatusEvent{
		Message:      fmt.Sprintf("connection %s evicted: %s", conn.ID, reason),
		Severity:     domain.SeverityWarning,
		Active:       true,
		ConnectionID: conn.ID,
		Time:         h.clock.Now(),
	})
	return true
}
