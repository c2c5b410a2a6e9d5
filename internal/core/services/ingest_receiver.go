package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type trackState struct {
	format    protocol.Packet
	config    []byte
	hasFormat bool
	hasConfig bool
	discarded int64
	rendered  int64
}

func (s *trackState) ready() bool { return s.hasFormat && s.hasConfig }

// IngestReceiver consumes the binary packets arriving on one connection. A
// frame is rendered only after the format and codec config of its kind have
// arrived on the same connection; earlier frames are discarded.
type IngestReceiver struct {
	connID   domain.ConnectionID
	renderer ports.Renderer
	pacer    *Pacer
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	tracks [2]trackState

	decodeErrors atomic.Int64
}

func NewIngestReceiver(
	connID domain.ConnectionID,
	renderer ports.Renderer,
	pacer *Pacer,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *IngestReceiver {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &IngestReceiver{
		connID:   connID,
		renderer: renderer,
		pacer:    pacer,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleBinary decodes and applies one packet. Decode errors are returned
// after being logged and counted; the caller keeps reading.
func (r *IngestReceiver) HandleBinary(ctx context.Context, data []byte) error {
	packet, err := protocol.Decode(data)
	if err != nil {
		r.decodeErrors.Inc()
		r.metrics.DecodeFailed(decodeFailureReason(err))
		r.logger.Warnw("dropping undecodable packet",
			"connection_id", r.connID,
			"bytes", len(data),
			"error", err,
		)
		return err
	}
	return r.HandlePacket(ctx, packet)
}

// HandlePacket applies one decoded packet.
func (r *IngestReceiver) HandlePacket(ctx context.Context, packet protocol.Packet) error {
	switch p := packet.(type) {
	case *protocol.VideoFormat:
		r.setFormat(domain.KindVideo, p)
		r.logger.Infow("video format received",
			"connection_id", r.connID,
			"mime", p.MIME,
			"width", p.Width,
			"height", p.Height,
			"fps", p.FPS,
		)
	case *protocol.AudioFormat:
		r.setFormat(domain.KindAudio, p)
		r.logger.Infow("audio format received",
			"connection_id", r.connID,
			"mime", p.MIME,
			"sample_rate", p.SampleRate,
			"channels", p.Channels,
		)
	case *protocol.CodecConfig:
		r.setConfig(p.Kind, p.Data)
		r.logger.Infow("codec config received",
			"connection_id", r.connID,
			"kind", p.Kind,
			"bytes", len(p.Data),
		)
	case *protocol.MediaFrame:
		return r.handleFrame(ctx, p)
	default:
		return fmt.Errorf("unexpected packet type %T", packet)
	}
	return nil
}

func (r *IngestReceiver) handleFrame(ctx context.Context, frame *protocol.MediaFrame) error {
	r.mu.Lock()
	track := &r.tracks[frame.Kind]
	if !track.ready() {
		track.discarded++
		r.mu.Unlock()
		r.metrics.FrameDiscarded(frame.Kind.String())
		r.logger.Debugw("frame before format and config, discarded",
			"connection_id", r.connID,
			"kind", frame.Kind,
			"pts_us", frame.PTS,
		)
		return nil
	}
	r.mu.Unlock()

	if late, err := r.pacer.Wait(ctx, frame.PTS); err != nil {
		return err
	} else if late > 0 {
		r.logger.Debugw("frame past presentation time",
			"connection_id", r.connID,
			"kind", frame.Kind,
			"late", late,
		)
	}

	// Decode aliases the read buffer; the renderer gets its own copy.
	data := append([]byte(nil), frame.Data...)
	if err := r.renderer.Render(ctx, domain.MediaSample{
		Kind:     frame.Kind,
		PTS:      frame.PTS,
		Data:     data,
		Received: r.clock.Now(),
	}); err != nil {
		return fmt.Errorf("render %s frame: %w", frame.Kind, err)
	}

	r.mu.Lock()
	track.rendered++
	r.mu.Unlock()
	return nil
}

func (r *IngestReceiver) setFormat(kind domain.MediaKind, p protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[kind].format = p
	r.tracks[kind].hasFormat = true
}

func (r *IngestReceiver) setConfig(kind domain.MediaKind, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[kind].config = append([]byte(nil), data...)
	r.tracks[kind].hasConfig = true
}

// Ready reports whether frames of kind will be rendered.
func (r *IngestReceiver) Ready(kind domain.MediaKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind].ready()
}

// VideoFormat returns the last video format received, if any.
func (r *IngestReceiver) VideoFormat() (domain.VideoFormat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.tracks[domain.KindVideo].format.(*protocol.VideoFormat)
	if !ok {
		return domain.VideoFormat{}, false
	}
	return domain.VideoFormat{MIME: f.MIME, Width: int(f.Width), Height: int(f.Height), FPS: int(f.FPS)}, true
}

// AudioFormat returns the last audio format received, if any.
func (r *IngestReceiver) AudioFormat() (domain.AudioFormat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.tracks[domain.KindAudio].format.(*protocol.AudioFormat)
	if !ok {
		return domain.AudioFormat{}, false
	}
	return domain.AudioFormat{MIME: f.MIME, SampleRate: int(f.SampleRate), Channels: int(f.Channels)}, true
}

// Discarded returns how many frames of kind arrived before their track was
// configured.
func (r *IngestReceiver) Discarded(kind domain.MediaKind) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind].discarded
}

func (r *IngestReceiver) Rendered(kind domain.MediaKind) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind].rendered
}

// CodecConfig returns the last codec config received for kind.
func (r *IngestReceiver) CodecConfig(kind domain.MediaKind) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind].config, r.tracks[kind].hasConfig
}

func (r *IngestReceiver) DecodeErrors() int64 {
	return r.decodeErrors.Load()
}

func decodeFailureReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrLengthMismatch):
		return "length_mismatch"
	default:
		return "other"
	}
}
