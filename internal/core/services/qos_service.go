package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/pkg/config"

	"go.uber.org/zap"
)

// QoSParams are the tunables of the QoS control law.
type QoSParams struct {
	MinFPS    int
	MaxFPS    int
	TargetFPS int

	MinQuality     int
	MaxQuality     int
	DefaultQuality int

	MinBandwidthKbps     int
	MaxBandwidthKbps     int
	DefaultBandwidthKbps int

	DegradeStep     int
	RecoverStep     int
	FPSRecoveryStep int
	// A degrade happens when lagging*LagThresholdDivisor > total.
	LagThresholdDivisor int
	WindowSize          int
}

func QoSParamsFromConfig(cfg *config.Config) QoSParams {
	return QoSParams{
		MinFPS:               cfg.Stream.MinFPS,
		MaxFPS:               cfg.Stream.MaxFPS,
		TargetFPS:            cfg.Stream.TargetFPS,
		MinQuality:           cfg.QoS.MinQuality,
		MaxQuality:           cfg.QoS.MaxQuality,
		DefaultQuality:       cfg.QoS.DefaultQuality,
		MinBandwidthKbps:     cfg.QoS.MinBandwidthKbps,
		MaxBandwidthKbps:     cfg.QoS.MaxBandwidthKbps,
		DefaultBandwidthKbps: cfg.QoS.DefaultBandwidthKbps,
		DegradeStep:          cfg.QoS.DegradeStep,
		RecoverStep:          cfg.QoS.RecoverStep,
		FPSRecoveryStep:      cfg.QoS.FPSRecoveryStep,
		LagThresholdDivisor:  cfg.QoS.LagThresholdDivisor,
		WindowSize:           cfg.QoS.WindowSize,
	}
}

// QoSService owns the process-wide QoS state and the control law that moves
// it. Lag degrades fast, clean acks recover slowly.
type QoSService struct {
	params   QoSParams
	registry ports.ConnectionRegistry
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	fps         int
	quality     int
	ceilingKbps int
	window      []int64
	windowNext  int
	windowSum   int64
}

func NewQoSService(
	params QoSParams,
	registry ports.ConnectionRegistry,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *QoSService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	q := &QoSService{
		params:   params,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
	q.Reset()
	return q
}

// Reset restores the configured defaults and clears the bandwidth window.
func (q *QoSService) Reset() {
	q.mu.Lock()
	q.fps = q.params.TargetFPS
	q.quality = q.params.DefaultQuality
	q.ceilingKbps = q.params.DefaultBandwidthKbps
	q.window = make([]int64, q.params.WindowSize)
	q.windowNext = 0
	q.windowSum = 0
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.metrics.QoSUpdated(snap)
}

// OnLag records a lag report from conn and degrades when strictly more than
// 1/LagThresholdDivisor of the connections have reported lag. It reports
// whether a degrade happened.
func (q *QoSService) OnLag(conn *domain.PeerConnection) bool {
	reports := conn.RecordLag()

	lagging := q.registry.CountLagging()
	total := q.registry.Len()
	if total == 0 || lagging*q.params.LagThresholdDivisor <= total {
		q.logger.Debugw("lag reported below threshold",
			"connection_id", conn.ID,
			"lag_reports", reports,
			"lagging", lagging,
			"total", total,
		)
		return false
	}

	q.mu.Lock()
	prevFPS, prevQuality := q.fps, q.quality
	q.fps = q.params.MinFPS
	q.quality = max(q.quality-q.params.DegradeStep, q.params.MinQuality)
	snap := q.snapshotLocked()
	q.mu.Unlock()

	snap.LaggingConnections = lagging
	snap.TotalConnections = total
	q.changed("lag", conn.ID, prevFPS, prevQuality, snap)
	return true
}

// OnAck records an ack from conn. A connection that never reported lag lifts
// quality by RecoverStep; once quality is at its ceiling the frame rate
// climbs back toward MaxFPS. It reports whether the state changed.
func (q *QoSService) OnAck(conn *domain.PeerConnection, now time.Time) bool {
	conn.RecordAck(now)
	if conn.LagReports() > 0 {
		return false
	}

	q.mu.Lock()
	prevFPS, prevQuality := q.fps, q.quality
	switch {
	case q.quality < q.params.MaxQuality:
		q.quality = min(q.quality+q.params.RecoverStep, q.params.MaxQuality)
	case q.fps < q.params.MaxFPS && q.params.FPSRecoveryStep > 0:
		q.fps = min(q.fps+q.params.FPSRecoveryStep, q.params.MaxFPS)
	default:
		q.mu.Unlock()
		return false
	}
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.changed("ack", conn.ID, prevFPS, prevQuality, snap)
	return true
}

// SetBandwidthKbps clamps kbps into the configured range and applies it as
// the new ceiling.
func (q *QoSService) SetBandwidthKbps(kbps int) domain.QoSSnapshot {
	clamped := min(max(kbps, q.params.MinBandwidthKbps), q.params.MaxBandwidthKbps)

	q.mu.Lock()
	prev := q.ceilingKbps
	q.ceilingKbps = clamped
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.logger.Infow("bandwidth ceiling changed",
		"requested_kbps", kbps,
		"from_kbps", prev,
		"to_kbps", clamped,
	)
	q.metrics.QoSUpdated(snap)
	return snap
}

// ApplyBandwidthText applies a "BANDWIDTH <kbps>" message. Malformed input
// leaves the ceiling unchanged and returns the parse error.
func (q *QoSService) ApplyBandwidthText(text string) error {
	ctrl, err := protocol.ParseControl(text, protocol.Inbound)
	if err == nil && ctrl.Kind != protocol.ControlBandwidth {
		err = fmt.Errorf("%w: %q is not a bandwidth message", protocol.ErrMalformedControl, text)
	}
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownControl) || errors.Is(err, protocol.ErrMalformedControl) {
			q.logger.Warnw("ignoring malformed bandwidth message", "text", text, "error", err)
		}
		return err
	}
	q.SetBandwidthKbps(ctrl.BandwidthKbps)
	return nil
}

// RecordFrame pushes the cost of one broadcast into the sliding window.
func (q *QoSService) RecordFrame(bytes, receivers int) {
	q.push(int64(bytes) * int64(receivers))
}

// RecordSkip pushes an empty sample for a tick that sent nothing, so the
// window keeps decaying while the stream is throttled.
func (q *QoSService) RecordSkip() {
	q.push(0)
}

func (q *QoSService) push(cost int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.windowSum += cost - q.window[q.windowNext]
	q.window[q.windowNext] = cost
	q.windowNext = (q.windowNext + 1) % len(q.window)
}

// ShouldThrottle reports whether the window total exceeds the ceiling.
func (q *QoSService) ShouldThrottle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.windowSum > ceilingBytesPerSec(q.ceilingKbps)
}

func (q *QoSService) Quality() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quality
}

func (q *QoSService) FPS() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fps
}

// FrameInterval is the current broadcast period.
func (q *QoSService) FrameInterval() time.Duration {
	return config.FrameInterval(q.FPS())
}

func (q *QoSService) Snapshot() domain.QoSSnapshot {
	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	snap.LaggingConnections = q.registry.CountLagging()
	snap.TotalConnections = q.registry.Len()
	return snap
}

func (q *QoSService) snapshotLocked() domain.QoSSnapshot {
	return domain.QoSSnapshot{
		FrameInterval:               config.FrameInterval(q.fps),
		FPS:                         q.fps,
		QualityPercent:              q.quality,
		BandwidthCeilingKbps:        q.ceilingKbps,
		BandwidthCeilingBytesPerSec: ceilingBytesPerSec(q.ceilingKbps),
		WindowBytes:                 q.windowSum,
	}
}

func (q *QoSService) changed(
	trigger string,
	id domain.ConnectionID,
	prevFPS, prevQuality int,
	snap domain.QoSSnapshot,
) {
	q.logger.Infow("qos changed",
		"trigger", trigger,
		"connection_id", id,
		"fps_from", prevFPS,
		"fps_to", snap.FPS,
		"quality_from", prevQuality,
		"quality_to", snap.QualityPercent,
		"lagging", snap.LaggingConnections,
		"total", snap.TotalConnections,
	)
	q.metrics.QoSUpdated(snap)
}

func ceilingBytesPerSec(kbps int) int64 {
	return int64(kbps) * 1000 / 8
}
