// Package producer implements the outbound side of a stream: a client that
// dials a consumer, keeps the connection alive across failures and enforces
// the format-before-frames ordering on every connection.
package producer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/internal/infrastructure/transport"
	"streamcast/pkg/retry"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	URL              string
	ReconnectBackoff time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// trackCache holds what has to be resent on every new connection before
// frames of that kind may flow.
type trackCache struct {
	format     protocol.Packet
	config     []byte
	hasConfig  bool
	sentFormat bool
	sentConfig bool
}

func (t *trackCache) ready() bool { return t.sentFormat && t.sentConfig }

// Client streams to one remote consumer. Frames are never buffered: while
// disconnected they fail with domain.ErrNotConnected.
type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	clock    clock.Clock
	notifier ports.Notifier
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	channel   *transport.WSChannel
	tracks    [2]trackCache
	onControl func(protocol.Control)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewClient(cfg Config, clk clock.Clock, notifier ports.Notifier, logger *zap.SugaredLogger) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		clock:    clk,
		notifier: notifier,
		logger:   logger,
	}
}

// OnControl sets the callback for control messages sent by the consumer.
func (c *Client) OnControl(fn func(protocol.Control)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = fn
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects in the background and reconnects after every failure until
// Close is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Close stops reconnecting, closes the current connection and waits for the
// background loop to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		channel := c.channel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if channel != nil {
			_ = channel.Close()
		}
		c.wg.Wait()
		c.setState(StateDisconnected, nil)
	})
	return nil
}

func (c *Client) run(ctx context.Context) {
	policy := retry.FixedBackoff(c.cfg.ReconnectBackoff)
	policy.Clock = c.clock
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Infow("producer reconnecting",
			"url", c.cfg.URL,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
	}

	err := retry.Retry(ctx, policy, func() error {
		return c.session(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warnw("producer loop ended", "error", err)
	}
}

// session dials once, replays the cached formats and configs, then reads
// until the connection fails. It always returns an error so the retry loop
// schedules the next attempt.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected, err)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	channel := transport.NewWSChannel(ws, c.cfg.WriteTimeout)
	if err := c.attach(ctx, ws, channel); err != nil {
		_ = channel.Close()
		c.setState(StateDisconnected, err)
		return err
	}

	err = c.readLoop(ws)
	c.detach(channel)
	_ = channel.Close()
	c.setState(StateDisconnected, err)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// attach replays the cache on a fresh connection and publishes it. The lock
// is held for the replay so no frame can overtake the format packets.
func (c *Client) attach(ctx context.Context, ws *websocket.Conn, channel *transport.WSChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for kind := range c.tracks {
		track := &c.tracks[kind]
		track.sentFormat, track.sentConfig = false, false

		if track.format != nil {
			if err := channel.SendBinary(ctx, protocol.Encode(track.format)); err != nil {
				return fmt.Errorf("replay %s format: %w", domain.MediaKind(kind), err)
			}
			track.sentFormat = true
		}
		if track.hasConfig {
			packet := protocol.Encode(&protocol.CodecConfig{Kind: domain.MediaKind(kind), Data: track.config})
			if err := channel.SendBinary(ctx, packet); err != nil {
				return fmt.Errorf("replay %s config: %w", domain.MediaKind(kind), err)
			}
			track.sentConfig = true
		}
	}

	c.ws = ws
	c.channel = channel
	c.state = StateConnected
	c.logger.Infow("producer connected", "url", c.cfg.URL, "remote_addr", channel.RemoteAddr())
	c.notify("producer connected", domain.SeverityInfo)
	return nil
}

func (c *Client) detach(channel *transport.WSChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != channel {
		return
	}
	c.ws = nil
	c.channel = nil
	for kind := range c.tracks {
		c.tracks[kind].sentFormat = false
		c.tracks[kind].sentConfig = false
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			c.logger.Debugw("ignoring binary message from consumer", "bytes", len(data))
			continue
		}

		ctrl, err := protocol.ParseControl(string(data), protocol.Outbound)
		if err != nil {
			c.logger.Warnw("unrecognized control from consumer", "message", string(data), "error", err)
			continue
		}

		c.mu.Lock()
		fn := c.onControl
		c.mu.Unlock()
		if fn != nil {
			fn(ctrl)
		}
	}
}

func (c *Client) SendVideoFormat(ctx context.Context, format domain.VideoFormat) error {
	return c.sendFormat(ctx, domain.KindVideo, &protocol.VideoFormat{
		MIME:   format.MIME,
		Width:  int32(format.Width),
		Height: int32(format.Height),
		FPS:    int32(format.FPS),
	})
}

func (c *Client) SendAudioFormat(ctx context.Context, format domain.AudioFormat) error {
	return c.sendFormat(ctx, domain.KindAudio, &protocol.AudioFormat{
		MIME:       format.MIME,
		SampleRate: int32(format.SampleRate),
		Channels:   int32(format.Channels),
	})
}

func (c *Client) SendVideoConfig(ctx context.Context, data []byte) error {
	return c.sendConfig(ctx, domain.KindVideo, data)
}

func (c *Client) SendAudioConfig(ctx context.Context, data []byte) error {
	return c.sendConfig(ctx, domain.KindAudio, data)
}

func (c *Client) SendVideoFrame(ctx context.Context, ptsUs int64, data []byte) error {
	return c.sendFrame(ctx, domain.KindVideo, ptsUs, data)
}

func (c *Client) SendAudioFrame(ctx context.Context, ptsUs int64, data []byte) error {
	return c.sendFrame(ctx, domain.KindAudio, ptsUs, data)
}

// sendFormat caches the format and sends it if connected. A format sent
// while disconnected is delivered on the next connection.
func (c *Client) sendFormat(ctx context.Context, kind domain.MediaKind, packet protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	track := &c.tracks[kind]
	track.format = packet
	track.sentFormat = false
	if c.channel == nil {
		return nil
	}
	if err := c.channel.SendBinary(ctx, protocol.Encode(packet)); err != nil {
		c.dropLocked(err)
		return err
	}
	track.sentFormat = true
	return nil
}

func (c *Client) sendConfig(ctx context.Context, kind domain.MediaKind, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	track := &c.tracks[kind]
	track.config = append([]byte(nil), data...)
	track.hasConfig = true
	track.sentConfig = false
	if c.channel == nil {
		return nil
	}
	packet := protocol.Encode(&protocol.CodecConfig{Kind: kind, Data: track.config})
	if err := c.channel.SendBinary(ctx, packet); err != nil {
		c.dropLocked(err)
		return err
	}
	track.sentConfig = true
	return nil
}

func (c *Client) sendFrame(ctx context.Context, kind domain.MediaKind, ptsUs int64, data []byte) error {
	c.mu.Lock()
	channel := c.channel
	ready := c.tracks[kind].ready()
	c.mu.Unlock()

	if channel == nil {
		return domain.ErrNotConnected
	}
	if !ready {
		return fmt.Errorf("%s frame: %w", kind, domain.ErrNotConfigured)
	}

	packet := protocol.Encode(&protocol.MediaFrame{Kind: kind, PTS: ptsUs, Data: data})
	if err := channel.SendBinary(ctx, packet); err != nil {
		c.mu.Lock()
		if c.channel == channel {
			c.dropLocked(err)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// dropLocked closes the current socket after a write failure; the read loop
// then ends and the retry loop reconnects.
func (c *Client) dropLocked(cause error) {
	if c.ws == nil {
		return
	}
	c.logger.Warnw("producer write failed, dropping connection", "error", cause)
	_ = c.ws.Close()
}

func (c *Client) setState(state State, cause error) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev == state {
		return
	}
	c.logger.Infow("producer state changed", "from", prev, "to", state, "error", cause)
	if state == StateDisconnected && prev == StateConnected {
		msg := "producer disconnected"
		if cause != nil {
			msg = fmt.Sprintf("producer disconnected: %v", cause)
		}
		c.notify(msg, domain.SeverityWarning)
	}
}

func (c *Client) notify(message string, severity domain.Severity) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(domain.StatusEvent{
		Message:  message,
		Severity: severity,
		Active:   true,
		Time:     c.clock.Now(),
	})
}
