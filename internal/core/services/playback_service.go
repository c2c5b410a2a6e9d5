package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// PlaybackService is the play/pause/stop state machine. Every transition is
// announced to all open connections, paused ones included.
type PlaybackService struct {
	registry  ports.ConnectionRegistry
	metrics   ports.MetricsRecorder
	clock     clock.Clock
	logger    *zap.SugaredLogger
	syncDelay time.Duration
	targetFPS int

	// transitionMu serializes transitions with their announcements so
	// receivers see them in order.
	transitionMu sync.Mutex

	mu       sync.RWMutex
	state    domain.PlaybackState
	epoch    time.Time
	onChange func(domain.PlaybackSnapshot)
}

func NewPlaybackService(
	registry ports.ConnectionRegistry,
	metrics ports.MetricsRecorder,
	clk clock.Clock,
	syncDelay time.Duration,
	targetFPS int,
	logger *zap.SugaredLogger,
) *PlaybackService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &PlaybackService{
		registry:  registry,
		metrics:   metrics,
		clock:     clk,
		logger:    logger,
		syncDelay: syncDelay,
		targetFPS: targetFPS,
		state:     domain.PlaybackStopped,
	}
}

// OnChange registers a hook that runs after every successful transition.
func (p *PlaybackService) OnChange(fn func(domain.PlaybackSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Start moves STOPPED to PLAYING. The epoch is set to now plus the sync
// delay unless one is already set.
func (p *PlaybackService) Start(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return p.transition(ctx, domain.PlaybackStopped, domain.PlaybackPlaying, func() {
		if p.epoch.IsZero() {
			p.epoch = p.clock.Now().Add(p.syncDelay).Truncate(time.Millisecond)
		}
	})
}

// Pause moves PLAYING to PAUSED and keeps the epoch.
func (p *PlaybackService) Pause(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return p.transition(ctx, domain.PlaybackPlaying, domain.PlaybackPaused, nil)
}

// Resume moves PAUSED to PLAYING and re-announces the original epoch.
func (p *PlaybackService) Resume(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return p.transition(ctx, domain.PlaybackPaused, domain.PlaybackPlaying, nil)
}

// Stop moves any state to STOPPED and clears the epoch. Stopping while
// already stopped is a no-op.
func (p *PlaybackService) Stop(ctx context.Context) (domain.PlaybackSnapshot, error) {
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	p.mu.Lock()
	if p.state == domain.PlaybackStopped {
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, nil
	}
	from := p.state
	p.state = domain.PlaybackStopped
	p.epoch = time.Time{}
	snap := p.snapshotLocked()
	hook := p.onChange
	p.mu.Unlock()

	p.announce(ctx, from, snap, hook)
	return snap, nil
}

func (p *PlaybackService) State() domain.PlaybackState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *PlaybackService) IsPlaying() bool {
	return p.State() == domain.PlaybackPlaying
}

func (p *PlaybackService) Snapshot() domain.PlaybackSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Sync sends PLAY to a connection that joined while playback is running so
// it locks onto the shared epoch. It does nothing otherwise.
func (p *PlaybackService) Sync(ctx context.Context, conn *domain.PeerConnection) error {
	snap := p.Snapshot()
	if snap.State != domain.PlaybackPlaying {
		return nil
	}
	return conn.SendText(ctx, protocol.Play(snap.EpochStart, snap.TargetFPS).String())
}

func (p *PlaybackService) transition(
	ctx context.Context,
	from, to domain.PlaybackState,
	apply func(),
) (domain.PlaybackSnapshot, error) {
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	p.mu.Lock()
	if p.state != from {
		current := p.state
		p.mu.Unlock()
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: %s to %s from %s",
			domain.ErrInvalidTransition, from, to, current)
	}
	if apply != nil {
		apply()
	}
	p.state = to
	snap := p.snapshotLocked()
	hook := p.onChange
	p.mu.Unlock()

	p.announce(ctx, from, snap, hook)
	return snap, nil
}

func (p *PlaybackService) announce(
	ctx context.Context,
	from domain.PlaybackState,
	snap domain.PlaybackSnapshot,
	hook func(domain.PlaybackSnapshot),
) {
	ctrl := controlFor(snap)
	text := ctrl.String()
	delivered := p.registry.ForEachOpen(ctx, func(ctx context.Context, conn *domain.PeerConnection) error {
		return conn.SendText(ctx, text)
	})

	p.logger.Infow("playback state changed",
		"from", from,
		"to", snap.State,
		"epoch_ms", ctrl.EpochMs,
		"target_fps", snap.TargetFPS,
		"delivered", delivered,
	)
	p.metrics.PlaybackChanged(snap.State)
	if hook != nil {
		hook(snap)
	}
}

func (p *PlaybackService) snapshotLocked() domain.PlaybackSnapshot {
	return domain.PlaybackSnapshot{
		State:      p.state,
		EpochStart: p.epoch,
		TargetFPS:  p.targetFPS,
	}
}

func controlFor(snap domain.PlaybackSnapshot) protocol.Control {
	switch snap.State {
	case domain.PlaybackPlaying:
		return protocol.Play(snap.EpochStart, snap.TargetFPS)
	case domain.PlaybackPaused:
		return protocol.Control{Kind: protocol.ControlPlaybackPause}
	default:
		return protocol.Control{Kind: protocol.ControlPlaybackStop}
	}
}
