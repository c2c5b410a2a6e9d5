package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/pkg/config"
	"streamcast/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EvictSendFailed is the close reason recorded when a delivery failure
// drops a connection.
const EvictSendFailed = "send_failed"

type session struct {
	receiver *IngestReceiver
	limiter  *rate.Limiter
}

// StreamingService owns the connection registry, the QoS controller, the
// playback controller, the broadcast scheduler and the health monitor for a
// single stream. It implements ports.ConnectionHandler for the transport and
// ports.StreamControl for the HTTP surface.
type StreamingService struct {
	cfg      *config.Config
	registry ports.ConnectionRegistry
	encoder  ports.Encoder
	renderer ports.Renderer
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	notifier ports.Notifier
	logger   *zap.SugaredLogger

	qos       *QoSService
	playback  *PlaybackService
	broadcast *BroadcastService
	health    *HealthService
	pacer     *Pacer

	sessionsMu sync.Mutex
	sessions   map[domain.ConnectionID]*session

	started        atomic.Bool
	stopped        atomic.Bool
	encoderHealthy atomic.Bool

	// lifecycleMu orders Start against Stop and guards cancel.
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewStreamingService(
	cfg *config.Config,
	registry ports.ConnectionRegistry,
	encoder ports.Encoder,
	renderer ports.Renderer,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	notifier ports.Notifier,
	logger *zap.SugaredLogger,
) *StreamingService {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	qos := NewQoSService(QoSParamsFromConfig(cfg), registry, metrics, logger)
	playback := NewPlaybackService(registry, metrics, clk, cfg.Stream.SyncDelay, cfg.Stream.TargetFPS, logger)

	s := &StreamingService{
		cfg:       cfg,
		registry:  registry,
		encoder:   encoder,
		renderer:  renderer,
		clock:     clk,
		metrics:   metrics,
		notifier:  notifier,
		logger:    logger,
		qos:       qos,
		playback:  playback,
		broadcast: NewBroadcastService(registry, qos, playback, encoder, clk, metrics, logger),
		health: NewHealthService(registry, clk,
			cfg.Health.CheckInterval, cfg.Health.AckTimeout, cfg.Health.ProbeTimeout,
			metrics, notifier, logger),
		pacer:    NewPacer(clk),
		sessions: make(map[domain.ConnectionID]*session),
		done:     make(chan struct{}),
	}
	s.encoderHealthy.Store(true)

	playback.OnChange(func(snap domain.PlaybackSnapshot) {
		s.pacer.SetEpoch(snap.EpochStart)
	})

	return s
}

// Start launches the broadcast scheduler and the health monitor. It returns
// immediately; Stop ends both loops.
func (s *StreamingService) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.stopped.Load() {
		s.lifecycleMu.Unlock()
		return domain.ErrServiceStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		s.lifecycleMu.Unlock()
		return fmt.Errorf("streaming service already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	s.lifecycleMu.Unlock()

	go func() {
		defer s.wg.Done()
		s.health.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.broadcast.Run(runCtx); err != nil {
			s.sourceExhausted(err)
		}
	}()

	s.logger.Infow("streaming service started",
		"frame_interval", s.qos.FrameInterval(),
		"quality", s.qos.Quality(),
		"health_interval", s.cfg.Health.CheckInterval,
	)

	if s.cfg.Stream.AutoStart {
		if _, err := s.playback.Start(ctx); err != nil {
			return fmt.Errorf("auto start playback: %w", err)
		}
	}
	return nil
}

// Stop cancels both loops, closes every registered connection and closes the
// encoder. It is safe to call more than once and from any goroutine.
func (s *StreamingService) Stop() {
	s.stopOnce.Do(func() {
		s.lifecycleMu.Lock()
		s.stopped.Store(true)
		cancel := s.cancel
		s.lifecycleMu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		closed := s.registry.CloseAll()

		s.sessionsMu.Lock()
		s.sessions = make(map[domain.ConnectionID]*session)
		s.sessionsMu.Unlock()

		if s.encoder != nil {
			if err := s.encoder.Close(); err != nil {
				s.logger.Warnw("error closing encoder", "error", err)
			}
		}

		s.logger.Infow("streaming service stopped", "connections_closed", closed)
		close(s.done)
	})
}

// Done is closed once Stop has finished.
func (s *StreamingService) Done() <-chan struct{} {
	return s.done
}

func (s *StreamingService) sourceExhausted(err error) {
	s.logger.Errorw("media source exhausted, stopping", "error", err)
	s.notifier.Notify(domain.StatusEvent{
		Message:  fmt.Sprintf("stream ended: %v", err),
		Severity: domain.SeverityFatal,
		Active:   false,
		Time:     s.clock.Now(),
	})
	// Stop waits for this goroutine, so it must not run inline.
	go s.Stop()
}

// EncoderAvailabilityChanged records whether the encoder is accepting work
// and reports the transition as a service health event.
func (s *StreamingService) EncoderAvailabilityChanged(available bool) {
	if s.encoderHealthy.Swap(available) == available {
		return
	}
	event := domain.StatusEvent{
		Message:  "encoder recovered",
		Severity: domain.SeverityInfo,
		Active:   true,
		Time:     s.clock.Now(),
	}
	if !available {
		event.Message = "encoder failing, frames are being skipped"
		event.Severity = domain.SeverityDegraded
		s.logger.Warnw("encoder unavailable")
	} else {
		s.logger.Infow("encoder available again")
	}
	s.notifier.Notify(event)
}

// HandleConnect registers conn and brings it in sync with the current
// playback state.
func (s *StreamingService) HandleConnect(ctx context.Context, conn *domain.PeerConnection) error {
	if s.stopped.Load() {
		return domain.ErrServiceStopped
	}

	sess := &session{
		receiver: NewIngestReceiver(conn.ID, s.renderer, s.pacer, s.clock, s.metrics, s.logger),
	}
	if s.cfg.RateLimiting.Enabled && s.cfg.RateLimiting.WebSocket.MessagesPerSecond > 0 {
		sess.limiter = rate.NewLimiter(
			rate.Limit(s.cfg.RateLimiting.WebSocket.MessagesPerSecond),
			s.cfg.RateLimiting.WebSocket.Burst,
		)
	}

	s.sessionsMu.Lock()
	s.sessions[conn.ID] = sess
	s.sessionsMu.Unlock()

	s.registry.Register(conn)
	s.metrics.ConnectionOpened()
	s.logger.Infow("connection registered",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr(),
		"connections", s.registry.Len(),
	)

	if err := s.playback.Sync(ctx, conn); err != nil {
		return fmt.Errorf("sync playback for %s: %w", conn.ID, err)
	}
	return nil
}

// HandleText applies one inbound control message.
func (s *StreamingService) HandleText(ctx context.Context, conn *domain.PeerConnection, text string) {
	sess, ok := s.session(conn.ID)
	if !ok {
		return
	}
	if sess.limiter != nil && !sess.limiter.Allow() {
		s.logger.Warnw("control message rate limited",
			"connection_id", conn.ID,
			"message", text,
		)
		return
	}

	ctrl, err := protocol.ParseControl(text, protocol.Inbound)
	if err != nil {
		if ctrl.Kind == protocol.ControlBandwidth {
			s.logger.Warnw("malformed bandwidth update ignored",
				"connection_id", conn.ID,
				"message", text,
				"error", err,
			)
			return
		}
		s.logger.Warnw("unknown control message",
			"connection_id", conn.ID,
			"message", text,
		)
		return
	}

	ctx, span := tracing.TraceControlMessage(ctx, ctrl.Kind.String(), string(conn.ID))
	defer span.End()
	s.metrics.ControlReceived(ctrl.Kind.String())

	switch ctrl.Kind {
	case protocol.ControlLag:
		s.qos.OnLag(conn)
	case protocol.ControlAck:
		s.qos.OnAck(conn, s.clock.Now())
	case protocol.ControlBandwidth:
		snap := s.qos.SetBandwidthKbps(ctrl.BandwidthKbps)
		tracing.AddSpanAttributes(ctx, tracing.BandwidthKey.Int(snap.BandwidthCeilingKbps))
	case protocol.ControlFlowPause:
		conn.Pause()
		s.logger.Infow("connection paused", "connection_id", conn.ID)
	case protocol.ControlFlowResume:
		conn.Resume()
		s.logger.Infow("connection resumed", "connection_id", conn.ID)
	case protocol.ControlStartStream:
		conn.Resume()
		if s.playback.State() == domain.PlaybackStopped {
			if _, err := s.playback.Start(ctx); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				tracing.RecordError(ctx, err)
				s.logger.Warnw("start requested by connection failed", "connection_id", conn.ID, "error", err)
			}
		}
	case protocol.ControlStopStream:
		conn.Pause()
		s.logger.Infow("connection stopped its stream", "connection_id", conn.ID)
	}

	qos := s.qos.Snapshot()
	tracing.AddSpanAttributes(ctx,
		tracing.QualityKey.Int(qos.QualityPercent),
		tracing.FPSKey.Int(qos.FPS),
	)
	tracing.SetSpanStatus(ctx, codes.Ok, "")
}

// HandleBinary feeds one inbound binary packet to the connection's ingest
// receiver. Decode failures are already logged by the receiver.
func (s *StreamingService) HandleBinary(ctx context.Context, conn *domain.PeerConnection, data []byte) {
	sess, ok := s.session(conn.ID)
	if !ok {
		return
	}
	if err := sess.receiver.HandleBinary(ctx, data); err != nil && ctx.Err() == nil {
		var decErr *protocol.DecodeError
		if !errors.As(err, &decErr) {
			s.logger.Warnw("ingest failed", "connection_id", conn.ID, "error", err)
		}
	}
}

// HandleDisconnect removes conn after its reader loop has ended.
func (s *StreamingService) HandleDisconnect(ctx context.Context, conn *domain.PeerConnection, cause error) {
	s.dropSession(conn.ID)
	if !s.registry.Unregister(conn.ID) {
		return
	}
	_ = conn.Close()

	s.metrics.ConnectionClosed("disconnected")
	s.logger.Infow("connection closed",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr(),
		"cause", cause,
		"connections", s.registry.Len(),
	)
}

// HandleRemoved is installed as the registry removal hook. It reports a
// connection dropped after a failed delivery.
func (s *StreamingService) HandleRemoved(conn *domain.PeerConnection, cause error) {
	s.dropSession(conn.ID)
	s.metrics.ConnectionClosed(EvictSendFailed)
	s.notifier.Notify(domain.StatusEvent{
		Message:      fmt.Sprintf("connection %s removed: %v", conn.ID, cause),
		Severity:     domain.SeverityWarning,
		Active:       true,
		ConnectionID: conn.ID,
		Time:         s.clock.Now(),
	})
}

func (s *StreamingService) session(id domain.ConnectionID) (*session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *StreamingService) dropSession(id domain.ConnectionID) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, id)
}

func (s *StreamingService) StartPlayback(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return s.tracedTransition(ctx, "start", s.playback.Start)
}

func (s *StreamingService) PausePlayback(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return s.tracedTransition(ctx, "pause", s.playback.Pause)
}

func (s *StreamingService) ResumePlayback(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return s.tracedTransition(ctx, "resume", s.playback.Resume)
}

func (s *StreamingService) StopPlayback(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return s.tracedTransition(ctx, "stop", s.playback.Stop)
}

func (s *StreamingService) tracedTransition(
	ctx context.Context,
	op string,
	fn func(context.Context) (domain.PlaybackSnapshot, error),
) (domain.PlaybackSnapshot, error) {
	if s.stopped.Load() {
		return s.playback.Snapshot(), domain.ErrServiceStopped
	}
	ctx, span := tracing.TracePlaybackTransition(ctx, op)
	defer span.End()

	snap, err := fn(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return snap, err
	}
	tracing.AddSpanAttributes(ctx, tracing.PlaybackKey.String(snap.State.String()))
	return snap, nil
}

func (s *StreamingService) Playback() domain.PlaybackSnapshot {
	return s.playback.Snapshot()
}

func (s *StreamingService) QoS() domain.QoSSnapshot {
	return s.qos.Snapshot()
}

func (s *StreamingService) SetBandwidthKbps(kbps int) domain.QoSSnapshot {
	return s.qos.SetBandwidthKbps(kbps)
}

func (s *StreamingService) Stats() domain.BroadcastStats {
	return s.broadcast.Stats()
}

func (s *StreamingService) Connections() []domain.ConnectionStats {
	conns := s.registry.Snapshot()
	out := make([]domain.ConnectionStats, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Stats())
	}
	return out
}

// Healthy reports whether the service is running with a working encoder.
func (s *StreamingService) Healthy() bool {
	return s.started.Load() && !s.stopped.Load() && s.encoderHealthy.Load()
}

// Evictions returns how many connections the health monitor has evicted.
func (s *StreamingService) Evictions() int64 {
	return s.health.Evictions()
}
