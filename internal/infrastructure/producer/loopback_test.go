package producer_test

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/services"
	"streamcast/internal/infrastructure/media"
	"streamcast/internal/infrastructure/producer"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/internal/infrastructure/repositories/memory"
	"streamcast/internal/infrastructure/transport"
	"streamcast/internal/testutils"
	"streamcast/pkg/config"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type loopback struct {
	svc      *services.StreamingService
	renderer *testutils.RecordingRenderer
	url      string
}

// newLoopback runs a streaming service behind a real websocket server.
// Each tweak adjusts the config before the service is built.
func newLoopback(t *testing.T, logger *zap.SugaredLogger, tweaks ...func(*config.Config)) *loopback {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Stream.SyncDelay = 0
	cfg.Stream.TargetFPS = 20
	cfg.Stream.MaxFPS = 20
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	source, err := media.NewPatternSource(32, 24, cfg.Stream.TargetFPS, 0)
	require.NoError(t, err)
	encoder := media.NewJPEGEncoder(source, 32, 24)

	clk := clock.New()
	registry := memory.NewMemoryConnectionRegistry(logger)
	renderer := &testutils.RecordingRenderer{}
	svc := services.NewStreamingService(cfg, registry, encoder, renderer, clk, nil, nil, logger)
	registry.OnRemove(svc.HandleRemoved)

	wsServer := transport.NewWebSocketServer(svc, transport.ServerConfig{
		WriteTimeout:    time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageBytes: 1 << 20,
	}, clk, logger)
	hs := httptest.NewServer(http.HandlerFunc(wsServer.HandleWebSocket))

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		svc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = wsServer.Shutdown(ctx)
		hs.Close()
	})

	return &loopback{
		svc:      svc,
		renderer: renderer,
		url:      "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func (l *loopback) startProducer(t *testing.T, logger *zap.SugaredLogger) *producer.Pump {
	t.Helper()
	source, err := media.NewPatternSource(48, 32, 20, 0)
	require.NoError(t, err)
	encoder := media.NewJPEGEncoder(source, 48, 32)

	client := producer.NewClient(producer.Config{
		URL:              l.url,
		ReconnectBackoff: 50 * time.Millisecond,
		DialTimeout:      time.Second,
		WriteTimeout:     time.Second,
	}, nil, nil, logger)
	pump := producer.NewPump(client, encoder, producer.PumpConfig{
		Format:      encoder.Format(20),
		CodecConfig: encoder.CodecConfig(),
		Quality:     70,
	}, nil, logger)
	client.OnControl(pump.HandleControl)

	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pump.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = client.Close()
		_ = encoder.Close()
	})
	return pump
}

func TestLoopback_ProducerFramesAreRenderedAfterPlay(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	l := newLoopback(t, logger)
	pump := l.startProducer(t, logger)

	require.Eventually(t, func() bool {
		return len(l.svc.Connections()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, pump.Playing(), "producer waits for PLAY")

	_, err := l.svc.StartPlayback(context.Background())
	require.NoError(t, err)

	require.Eventually(t, pump.Playing, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 20, pump.FPS())

	require.Eventually(t, func() bool {
		return len(l.renderer.Samples()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	samples := l.renderer.Samples()
	for i, sample := range samples {
		assert.Equal(t, domain.KindVideo, sample.Kind)
		img, err := jpeg.Decode(bytes.NewReader(sample.Data))
		require.NoError(t, err, "sample %d", i)
		assert.Equal(t, 48, img.Bounds().Dx())
		if i > 0 {
			assert.Greater(t, sample.PTS, samples[i-1].PTS)
		}
	}

	_, err = l.svc.PausePlayback(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !pump.Playing() }, 2*time.Second, 5*time.Millisecond)
}

func TestLoopback_ConsumerReceivesPlayAndFrames(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	l := newLoopback(t, logger)

	ws, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return len(l.svc.Connections()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = l.svc.StartPlayback(context.Background())
	require.NoError(t, err)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var (
		sawPlay bool
		frames  int
	)
	for frames < 3 {
		messageType, data, err := ws.ReadMessage()
		require.NoError(t, err)

		if messageType == websocket.TextMessage {
			ctrl, err := protocol.ParseControl(string(data), protocol.Outbound)
			require.NoError(t, err)
			if ctrl.Kind == protocol.ControlPlay {
				sawPlay = true
				assert.Equal(t, 20, ctrl.FPS)
			}
			continue
		}

		require.True(t, sawPlay, "frames only flow after PLAY")
		packet, err := protocol.Decode(data)
		require.NoError(t, err)
		frame, ok := packet.(*protocol.MediaFrame)
		require.True(t, ok, "unexpected packet %T", packet)
		assert.Equal(t, domain.KindVideo, frame.Kind)
		_, err = jpeg.Decode(bytes.NewReader(frame.Data))
		require.NoError(t, err)
		frames++

		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ACK")))
	}

	require.Eventually(t, func() bool {
		conns := l.svc.Connections()
		return len(conns) == 1 && conns[0].FramesAcked > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, l.svc.Stats().TotalFramesSent, int64(0))
}

func TestLoopback_IdleProducerSurvivesHealthSweeps(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	l := newLoopback(t, logger, func(cfg *config.Config) {
		cfg.Health.CheckInterval = 100 * time.Millisecond
		cfg.Health.AckTimeout = 300 * time.Millisecond
		cfg.Health.ProbeTimeout = 100 * time.Millisecond
	})
	pump := l.startProducer(t, logger)

	require.Eventually(t, func() bool {
		return len(l.svc.Connections()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	first := l.svc.Connections()[0].ID

	_, err := l.svc.StartPlayback(context.Background())
	require.NoError(t, err)
	require.Eventually(t, pump.Playing, 2*time.Second, 5*time.Millisecond)

	// The producer never sends ACK; only its pongs keep it alive.
	time.Sleep(2 * time.Second)

	assert.Equal(t, int64(0), l.svc.Evictions())
	conns := l.svc.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, first, conns[0].ID, "producer was never reconnected")
	assert.True(t, pump.Playing())
}
