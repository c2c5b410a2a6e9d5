package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/pkg/config"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// FrameSink is where the pump delivers video. *Client implements it.
type FrameSink interface {
	SendVideoFormat(ctx context.Context, format domain.VideoFormat) error
	SendVideoConfig(ctx context.Context, data []byte) error
	SendVideoFrame(ctx context.Context, ptsUs int64, data []byte) error
}

type PumpConfig struct {
	Format       domain.VideoFormat
	CodecConfig  []byte
	Quality      int
	StartPlaying bool
}

// Pump encodes one frame per tick and sends it to the sink while playing.
// PLAY, PAUSE and STOP from the consumer start and stop it; a PLAY carrying
// a different frame rate retimes the ticker.
type Pump struct {
	sink    FrameSink
	encoder ports.Encoder
	clock   clock.Clock
	cfg     PumpConfig
	logger  *zap.SugaredLogger

	playing atomic.Bool
	retime  chan int

	mu  sync.Mutex
	fps int

	sent    atomic.Int64
	skipped atomic.Int64
}

func NewPump(sink FrameSink, encoder ports.Encoder, cfg PumpConfig, clk clock.Clock, logger *zap.SugaredLogger) *Pump {
	if clk == nil {
		clk = clock.New()
	}
	p := &Pump{
		sink:    sink,
		encoder: encoder,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		retime:  make(chan int, 1),
		fps:     cfg.Format.FPS,
	}
	p.playing.Store(cfg.StartPlaying)
	return p
}

// HandleControl applies a control message from the consumer. It is meant to
// be passed to Client.OnControl.
func (p *Pump) HandleControl(c protocol.Control) {
	switch c.Kind {
	case protocol.ControlPlay:
		if !p.playing.Swap(true) {
			p.logger.Infow("consumer started playback", "epoch_ms", c.EpochMs, "fps", c.FPS)
		}
		if c.FPS > 0 {
			p.setFPS(c.FPS)
		}
	case protocol.ControlPlaybackPause, protocol.ControlPlaybackStop:
		if p.playing.Swap(false) {
			p.logger.Infow("consumer halted playback", "control", c.Kind)
		}
	default:
		p.logger.Debugw("ignoring control", "control", c.Kind)
	}
}

func (p *Pump) setFPS(fps int) {
	p.mu.Lock()
	changed := fps != p.fps
	p.fps = fps
	p.mu.Unlock()
	if !changed {
		return
	}
	// keep only the latest rate
	select {
	case <-p.retime:
	default:
	}
	p.retime <- fps
}

func (p *Pump) FPS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fps
}

func (p *Pump) Playing() bool { return p.playing.Load() }
func (p *Pump) Sent() int64   { return p.sent.Load() }

// Skipped counts ticks whose frame could not be sent.
func (p *Pump) Skipped() int64 { return p.skipped.Load() }

// Run announces the format and codec config, then pumps frames until ctx is
// done or the source is exhausted.
func (p *Pump) Run(ctx context.Context) error {
	if p.FPS() <= 0 {
		return fmt.Errorf("invalid pump fps %d", p.FPS())
	}
	if err := p.sink.SendVideoFormat(ctx, p.cfg.Format); err != nil {
		p.logger.Warnw("failed to send video format, will replay on reconnect", "error", err)
	}
	if err := p.sink.SendVideoConfig(ctx, p.cfg.CodecConfig); err != nil {
		p.logger.Warnw("failed to send codec config, will replay on reconnect", "error", err)
	}

	ticker := p.clock.Ticker(config.FrameInterval(p.FPS()))
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fps := <-p.retime:
			ticker.Stop()
			ticker = p.clock.Ticker(config.FrameInterval(fps))
			p.logger.Infow("pump retimed", "fps", fps)
		case <-ticker.C:
			if !p.playing.Load() {
				continue
			}
			if err := p.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Pump) tick(ctx context.Context) error {
	frame, err := p.encoder.Encode(ctx, p.cfg.Quality)
	if err != nil {
		if errors.Is(err, domain.ErrSourceExhausted) {
			p.logger.Infow("source exhausted, pump stopping", "sent", p.sent.Load())
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.skipped.Inc()
		p.logger.Warnw("encode failed, skipping frame", "error", err)
		return nil
	}

	if err := p.sink.SendVideoFrame(ctx, frame.PTS, frame.Data); err != nil {
		p.skipped.Inc()
		if errors.Is(err, domain.ErrNotConnected) {
			p.logger.Debugw("not connected, frame dropped", "pts_us", frame.PTS)
		} else {
			p.logger.Warnw("failed to send frame", "pts_us", frame.PTS, "error", err)
		}
		return nil
	}
	p.sent.Inc()
	return nil
}
