package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/infrastructure/protocol"
	"streamcast/internal/infrastructure/repositories/memory"
	"streamcast/internal/testutils"
	"streamcast/pkg/config"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type streamingFixture struct {
	svc      *StreamingService
	cfg      *config.Config
	registry *memory.MemoryConnectionRegistry
	encoder  *testutils.MockEncoder
	renderer *testutils.RecordingRenderer
	notifier *testutils.RecordingNotifier
	metrics  *testutils.MockMetrics
	clock    *clock.Mock
}

func newStreamingFixture(t *testing.T, mutate ...func(*config.Config)) *streamingFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.DefaultConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	clk := clock.NewMock()
	clk.Set(testEpochBase)
	registry := memory.NewMemoryConnectionRegistry(logger)
	encoder := &testutils.MockEncoder{}
	encoder.On("Close").Return(nil).Maybe()
	renderer := &testutils.RecordingRenderer{}
	notifier := &testutils.RecordingNotifier{}
	metrics := testutils.NewMockMetrics()

	svc := NewStreamingService(cfg, registry, encoder, renderer, clk, metrics, notifier, logger)
	registry.OnRemove(svc.HandleRemoved)
	t.Cleanup(svc.Stop)

	return &streamingFixture{
		svc:      svc,
		cfg:      cfg,
		registry: registry,
		encoder:  encoder,
		renderer: renderer,
		notifier: notifier,
		metrics:  metrics,
		clock:    clk,
	}
}

func (f *streamingFixture) connect(t *testing.T, addr string) (*domain.PeerConnection, *testutils.MockChannel) {
	t.Helper()
	conn, ch := testutils.NewPeer(addr, f.clock.Now())
	require.NoError(t, f.svc.HandleConnect(context.Background(), conn))
	return conn, ch
}

func TestStreaming_ConnectRegistersAndSyncsLateJoiner(t *testing.T) {
	f := newStreamingFixture(t)
	early, earlyCh := f.connect(t, "early")
	assert.Empty(t, earlyCh.Texts(), "nothing to sync while stopped")

	snap, err := f.svc.StartPlayback(context.Background())
	require.NoError(t, err)
	want := protocol.Play(snap.EpochStart, snap.TargetFPS).String()
	assert.Equal(t, []string{want}, earlyCh.Texts())

	_, lateCh := f.connect(t, "late")
	assert.Equal(t, []string{want}, lateCh.Texts())
	assert.Equal(t, 2, f.registry.Len())
	f.metrics.AssertNumberOfCalls(t, "ConnectionOpened", 2)

	_, ok := f.registry.Get(early.ID)
	assert.True(t, ok)
}

func TestStreaming_LagAndAckDriveQoS(t *testing.T) {
	f := newStreamingFixture(t)
	conn, _ := f.connect(t, "a")
	ctx := context.Background()

	f.svc.HandleText(ctx, conn, "LAG")
	qos := f.svc.QoS()
	assert.Equal(t, 70, qos.QualityPercent)
	assert.Equal(t, f.cfg.Stream.MinFPS, qos.FPS)
	f.metrics.AssertCalled(t, "ControlReceived", "lag")

	// the connection has lagged, so its acks never recover quality
	f.svc.HandleText(ctx, conn, "ACK")
	assert.Equal(t, 70, f.svc.QoS().QualityPercent)
	assert.Equal(t, int64(1), conn.FramesAcked())

	clean, _ := f.connect(t, "b")
	f.svc.HandleText(ctx, clean, "ACK")
	assert.Equal(t, 75, f.svc.QoS().QualityPercent)
}

func TestStreaming_BandwidthUpdates(t *testing.T) {
	f := newStreamingFixture(t)
	conn, _ := f.connect(t, "a")
	ctx := context.Background()

	f.svc.HandleText(ctx, conn, "BANDWIDTH 999999")
	assert.Equal(t, f.cfg.QoS.MaxBandwidthKbps, f.svc.QoS().BandwidthCeilingKbps)

	f.svc.HandleText(ctx, conn, "BANDWIDTH abc")
	assert.Equal(t, f.cfg.QoS.MaxBandwidthKbps, f.svc.QoS().BandwidthCeilingKbps)

	f.svc.HandleText(ctx, conn, "BANDWIDTH 1")
	assert.Equal(t, f.cfg.QoS.MinBandwidthKbps, f.svc.QoS().BandwidthCeilingKbps)
}

func TestStreaming_FlowControlTogglesPause(t *testing.T) {
	f := newStreamingFixture(t)
	conn, _ := f.connect(t, "a")
	ctx := context.Background()

	f.svc.HandleText(ctx, conn, "PAUSE")
	assert.True(t, conn.IsPaused())
	assert.Equal(t, 1, f.registry.Len(), "paused connections stay registered")

	f.svc.HandleText(ctx, conn, "RESUME")
	assert.False(t, conn.IsPaused())

	f.svc.HandleText(ctx, conn, "STOP_STREAM")
	assert.True(t, conn.IsPaused())
	assert.Equal(t, domain.PlaybackStopped, f.svc.Playback().State)
}

func TestStreaming_StartStreamStartsPlayback(t *testing.T) {
	f := newStreamingFixture(t)
	conn, ch := f.connect(t, "a")
	conn.Pause()

	f.svc.HandleText(context.Background(), conn, "START_STREAM")

	assert.False(t, conn.IsPaused())
	assert.Equal(t, domain.PlaybackPlaying, f.svc.Playback().State)
	texts := ch.Texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "PLAY:"))

	// a second request while playing changes nothing
	f.svc.HandleText(context.Background(), conn, "START_STREAM")
	assert.Len(t, ch.Texts(), 1)
}

func TestStreaming_UnknownControlIsIgnored(t *testing.T) {
	f := newStreamingFixture(t)
	conn, _ := f.connect(t, "a")
	before := f.svc.QoS()

	f.svc.HandleText(context.Background(), conn, "HELLO")

	assert.Equal(t, before, f.svc.QoS())
	f.metrics.AssertNotCalled(t, "ControlReceived", mock.Anything)
}

func TestStreaming_ControlRateLimit(t *testing.T) {
	f := newStreamingFixture(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.WebSocket.MessagesPerSecond = 0.001
		cfg.RateLimiting.WebSocket.Burst = 1
	})
	conn, _ := f.connect(t, "a")
	ctx := context.Background()

	f.svc.HandleText(ctx, conn, "LAG")
	f.svc.HandleText(ctx, conn, "LAG")

	assert.Equal(t, int64(1), conn.LagReports())
}

func TestStreaming_BinaryReachesRenderer(t *testing.T) {
	f := newStreamingFixture(t)
	conn, _ := f.connect(t, "producer")
	ctx := context.Background()

	f.svc.HandleBinary(ctx, conn, protocol.Encode(&protocol.MediaFrame{Kind: domain.KindVideo, Data: []byte{1}}))
	f.svc.HandleBinary(ctx, conn, []byte{99})
	f.svc.HandleBinary(ctx, conn, protocol.Encode(&protocol.VideoFormat{MIME: "video/avc", Width: 1280, Height: 720, FPS: 30}))
	f.svc.HandleBinary(ctx, conn, protocol.Encode(&protocol.CodecConfig{Kind: domain.KindVideo, Data: []byte{1}}))
	f.svc.HandleBinary(ctx, conn, protocol.Encode(&protocol.MediaFrame{Kind: domain.KindVideo, PTS: 10, Data: []byte{2}}))

	samples := f.renderer.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, int64(10), samples[0].PTS)
	f.metrics.AssertCalled(t, "FrameDiscarded", "video")
	f.metrics.AssertCalled(t, "DecodeFailed", "unknown_type")
}

func TestStreaming_DisconnectUnregisters(t *testing.T) {
	f := newStreamingFixture(t)
	conn, ch := f.connect(t, "a")
	ctx := context.Background()

	f.svc.HandleDisconnect(ctx, conn, errors.New("eof"))
	f.svc.HandleDisconnect(ctx, conn, errors.New("eof"))

	assert.True(t, f.registry.IsEmpty())
	assert.Equal(t, 1, ch.Closed())
	f.metrics.AssertNumberOfCalls(t, "ConnectionClosed", 1)

	// messages from a forgotten connection are ignored
	f.svc.HandleText(ctx, conn, "LAG")
	assert.Zero(t, conn.LagReports())
}

func TestStreaming_DeliveryFailureReportsWarning(t *testing.T) {
	f := newStreamingFixture(t)
	conn, ch := f.connect(t, "a")
	ch.SetSendErr(testutils.ErrMockSend)

	_, err := f.svc.StartPlayback(context.Background())
	require.NoError(t, err)

	assert.True(t, f.registry.IsEmpty())
	warnings := f.notifier.WithSeverity(domain.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, conn.ID, warnings[0].ConnectionID)
	assert.True(t, warnings[0].Active)
	f.metrics.AssertCalled(t, "ConnectionClosed", EvictSendFailed)
}

func TestStreaming_EncoderAvailabilityEvents(t *testing.T) {
	f := newStreamingFixture(t)
	require.NoError(t, f.svc.Start(context.Background()))
	assert.True(t, f.svc.Healthy())

	f.svc.EncoderAvailabilityChanged(false)
	f.svc.EncoderAvailabilityChanged(false)
	assert.False(t, f.svc.Healthy())

	f.svc.EncoderAvailabilityChanged(true)
	assert.True(t, f.svc.Healthy())

	degraded := f.notifier.WithSeverity(domain.SeverityDegraded)
	require.Len(t, degraded, 1)
	assert.True(t, degraded[0].Active)
	assert.Len(t, f.notifier.WithSeverity(domain.SeverityInfo), 1)
}

func TestStreaming_StopIsIdempotent(t *testing.T) {
	f := newStreamingFixture(t)
	_, ch1 := f.connect(t, "a")
	_, ch2 := f.connect(t, "b")
	require.NoError(t, f.svc.Start(context.Background()))

	f.svc.Stop()
	f.svc.Stop()

	select {
	case <-f.svc.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.True(t, f.registry.IsEmpty())
	assert.Equal(t, 1, ch1.Closed())
	assert.Equal(t, 1, ch2.Closed())
	f.encoder.AssertNumberOfCalls(t, "Close", 1)
	assert.False(t, f.svc.Healthy())

	conn, _ := testutils.NewPeer("late", f.clock.Now())
	assert.ErrorIs(t, f.svc.HandleConnect(context.Background(), conn), domain.ErrServiceStopped)
	_, err := f.svc.StartPlayback(context.Background())
	assert.ErrorIs(t, err, domain.ErrServiceStopped)
}

func TestStreaming_StartRacingStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newStreamingFixture(t)

		var (
			wg       sync.WaitGroup
			startErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = f.svc.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			f.svc.Stop()
		}()
		wg.Wait()

		if startErr != nil {
			assert.ErrorIs(t, startErr, domain.ErrServiceStopped)
		}
		select {
		case <-f.svc.Done():
		case <-time.After(time.Second):
			t.Fatal("Stop did not finish")
		}
		assert.False(t, f.svc.Healthy())
	}
}

func TestStreaming_SourceExhaustionStopsService(t *testing.T) {
	f := newStreamingFixture(t, func(cfg *config.Config) {
		cfg.Stream.AutoStart = true
	})
	f.connect(t, "a")
	f.encoder.On("Encode", mock.Anything, mock.Anything).Return(domain.EncodedFrame{}, domain.ErrSourceExhausted)

	require.NoError(t, f.svc.Start(context.Background()))
	assert.Equal(t, domain.PlaybackPlaying, f.svc.Playback().State)

	require.Eventually(t, func() bool {
		f.clock.Add(f.svc.QoS().FrameInterval)
		select {
		case <-f.svc.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	fatal := f.notifier.WithSeverity(domain.SeverityFatal)
	require.Len(t, fatal, 1)
	assert.False(t, fatal[0].Active)
	assert.True(t, f.registry.IsEmpty())
}

func TestStreaming_ConnectionsView(t *testing.T) {
	f := newStreamingFixture(t)
	a, _ := f.connect(t, "a")
	a.Pause()
	f.connect(t, "b")

	views := f.svc.Connections()
	require.Len(t, views, 2)
	paused := 0
	for _, v := range views {
		if v.Paused {
			paused++
			assert.Equal(t, "a", v.RemoteAddr)
		}
	}
	assert.Equal(t, 1, paused)
}
