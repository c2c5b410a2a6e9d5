package services

import (
	"context"
	"errors"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/pkg/circuitbreaker"
	"streamcast/pkg/optimize"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TickOutcome says what one scheduler tick did.
type TickOutcome int

const (
	TickSent TickOutcome = iota
	TickInactive
	TickThrottled
	TickEncodeFailed
	TickSourceExhausted
)

func (o TickOutcome) String() string {
	switch o {
	case TickSent:
		return "sent"
	case TickInactive:
		return "inactive"
	case TickThrottled:
		return "throttled"
	case TickEncodeFailed:
		return "encode_failed"
	case TickSourceExhausted:
		return "source_exhausted"
	default:
		return "unknown"
	}
}

// BroadcastService encodes one frame per tick and fans it out to every open,
// unpaused connection. The tick period follows the QoS frame interval and is
// re-read every cycle.
type BroadcastService struct {
	registry ports.ConnectionRegistry
	qos      *QoSService
	playback *PlaybackService
	encoder  ports.Encoder
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	buffers  *optimize.BufferPool

	framesSent     atomic.Int64
	bytesSent      atomic.Int64
	ticksThrottled atomic.Int64
	ticksSkipped   atomic.Int64
	encodeFailures atomic.Int64
}

func NewBroadcastService(
	registry ports.ConnectionRegistry,
	qos *QoSService,
	playback *PlaybackService,
	encoder ports.Encoder,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *BroadcastService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &BroadcastService{
		registry: registry,
		qos:      qos,
		playback: playback,
		encoder:  encoder,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
		buffers:  optimize.NewBufferPool(64*1024, 4<<20),
	}
}

// Run ticks until ctx is done or the encoder reports that its source is
// exhausted, in which case domain.ErrSourceExhausted is returned.
func (b *BroadcastService) Run(ctx context.Context) error {
	b.logger.Infow("broadcast scheduler started", "frame_interval", b.qos.FrameInterval())
	defer b.logger.Infow("broadcast scheduler stopped")

	for {
		timer := b.clock.Timer(b.qos.FrameInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		outcome, err := b.Tick(ctx)
		if outcome == TickSourceExhausted {
			return err
		}
	}
}

// Tick runs one scheduling cycle.
func (b *BroadcastService) Tick(ctx context.Context) (TickOutcome, error) {
	if !b.playback.IsPlaying() || b.registry.IsEmpty() {
		b.ticksSkipped.Inc()
		b.metrics.TickSkipped(TickInactive.String())
		return TickInactive, nil
	}

	if b.qos.ShouldThrottle() {
		b.qos.RecordSkip()
		b.ticksThrottled.Inc()
		b.metrics.TickSkipped(TickThrottled.String())
		snap := b.qos.Snapshot()
		b.logger.Infow("tick throttled",
			"window_bytes", snap.WindowBytes,
			"ceiling_bytes_per_sec", snap.BandwidthCeilingBytesPerSec,
		)
		return TickThrottled, nil
	}

	quality := b.qos.Quality()
	frame, err := b.encoder.Encode(ctx, quality)
	if err != nil {
		return b.encodeFailed(err)
	}

	// Sends complete before ForEachOpenUnpaused returns, so the packet
	// buffer can be recycled after the fan-out.
	packet := protocol.AppendPacket(b.buffers.Get(), &protocol.MediaFrame{
		Kind: frame.Kind,
		PTS:  frame.PTS,
		Data: frame.Data,
	})
	defer b.buffers.Put(packet)

	receivers := b.registry.ForEachOpenUnpaused(ctx, func(ctx context.Context, conn *domain.PeerConnection) error {
		return conn.Send(ctx, packet)
	})

	b.framesSent.Inc()
	b.bytesSent.Add(int64(len(packet) * receivers))
	b.qos.RecordFrame(len(packet), receivers)
	b.metrics.FrameBroadcast(len(packet), receivers)

	b.logger.Debugw("frame broadcast",
		"pts_us", frame.PTS,
		"bytes", len(packet),
		"receivers", receivers,
		"quality", quality,
	)
	return TickSent, nil
}

func (b *BroadcastService) encodeFailed(err error) (TickOutcome, error) {
	if errors.Is(err, domain.ErrSourceExhausted) {
		b.logger.Warnw("sample source exhausted", "error", err)
		return TickSourceExhausted, err
	}

	b.ticksSkipped.Inc()
	if errors.Is(err, circuitbreaker.ErrOpen) {
		b.metrics.TickSkipped("encoder_unavailable")
		b.logger.Debugw("encoder unavailable, tick skipped", "error", err)
		return TickEncodeFailed, err
	}

	b.encodeFailures.Inc()
	b.metrics.EncodeFailed()
	b.logger.Warnw("encode failed, tick skipped", "error", err)
	return TickEncodeFailed, err
}

func (b *BroadcastService) Stats() domain.BroadcastStats {
	return domain.BroadcastStats{
		TotalFramesSent: b.framesSent.Load(),
		TotalBytesSent:  b.bytesSent.Load(),
		TicksThrottled:  b.ticksThrottled.Load(),
		TicksSkipped:    b.ticksSkipped.Load(),
		EncodeFailures:  b.encodeFailures.Load(),
		Connections:     b.registry.Len(),
		Timestamp:       b.clock.Now(),
	}
}

// ResetStats zeroes the aggregate counters.
func (b *BroadcastService) ResetStats() {
	b.framesSent.Store(0)
	b.bytesSent.Store(0)
	b.ticksThrottled.Store(0)
	b.ticksSkipped.Store(0)
	b.encodeFailures.Store(0)
}
