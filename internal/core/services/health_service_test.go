package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/infrastructure/repositories/memory"
	"streamcast/internal/testutils"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type healthFixture struct {
	svc      *HealthService
	registry *memory.MemoryConnectionRegistry
	clock    *clock.Mock
	notifier *testutils.RecordingNotifier
	metrics  *testutils.MockMetrics
}

func newHealthFixture(t *testing.T) *healthFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	clk := clock.NewMock()
	clk.Set(testEpochBase)
	registry := memory.NewMemoryConnectionRegistry(logger)
	notifier := &testutils.RecordingNotifier{}
	metrics := testutils.NewMockMetrics()

	return &healthFixture{
		svc: NewHealthService(registry, clk, 5*time.Second, 15*time.Second, time.Second,
			metrics, notifier, logger),
		registry: registry,
		clock:    clk,
		notifier: notifier,
		metrics:  metrics,
	}
}

func TestHealth_ProbesLiveConnections(t *testing.T) {
	f := newHealthFixture(t)
	conn, ch := testutils.NewPeer("a", f.clock.Now())
	f.registry.Register(conn)

	assert.Zero(t, f.svc.Sweep(context.Background()))
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 1, ch.Probes)
}

func TestHealth_EvictsAfterAckTimeout(t *testing.T) {
	f := newHealthFixture(t)
	stale, staleCh := testutils.NewPeer("stale", f.clock.Now())
	fresh, _ := testutils.NewPeer("fresh", f.clock.Now())
	f.registry.Register(stale)
	f.registry.Register(fresh)

	f.clock.Add(10 * time.Second)
	fresh.RecordAck(f.clock.Now())

	// exactly at the timeout is still alive
	f.clock.Add(5 * time.Second)
	assert.Zero(t, f.svc.Sweep(context.Background()))

	f.clock.Add(time.Millisecond)
	assert.Equal(t, 1, f.svc.Sweep(context.Background()))

	_, ok := f.registry.Get(stale.ID)
	assert.False(t, ok)
	_, ok = f.registry.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, staleCh.Closed())
	assert.Equal(t, 1, staleCh.Probes, "probed only while within the timeout")

	event, ok := f.notifier.Last()
	require.True(t, ok)
	assert.Equal(t, domain.SeverityWarning, event.Severity)
	assert.True(t, event.Active)
	assert.Equal(t, stale.ID, event.ConnectionID)
	f.metrics.AssertCalled(t, "ConnectionClosed", EvictAckTimeout)
	assert.Equal(t, int64(1), f.svc.Evictions())
}

func TestHealth_ProbeFailureEvictsImmediately(t *testing.T) {
	f := newHealthFixture(t)
	broken, brokenCh := testutils.NewPeer("broken", f.clock.Now())
	brokenCh.ProbeErr = errors.New("broken pipe")
	f.registry.Register(broken)

	assert.Equal(t, 1, f.svc.Sweep(context.Background()))
	assert.True(t, f.registry.IsEmpty())
	assert.False(t, broken.IsOpen())
	f.metrics.AssertCalled(t, "ConnectionClosed", EvictProbeFailed)
}

func TestHealth_EvictionConcurrentWithBroadcast(t *testing.T) {
	f := newHealthFixture(t)
	var conns []*domain.PeerConnection
	for i := 0; i < 20; i++ {
		conn, _ := testutils.NewPeer("peer", f.clock.Now())
		f.registry.Register(conn)
		conns = append(conns, conn)
	}
	f.clock.Add(16 * time.Second)
	for _, conn := range conns[:10] {
		conn.RecordAck(f.clock.Now())
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.registry.ForEachOpenUnpaused(ctx, func(ctx context.Context, conn *domain.PeerConnection) error {
				if err := conn.Send(ctx, []byte{1}); err != nil && !errors.Is(err, domain.ErrConnectionClosed) {
					return err
				}
				return nil
			})
		}
	}()
	go func() {
		defer wg.Done()
		f.svc.Sweep(ctx)
	}()
	wg.Wait()

	assert.Equal(t, 10, f.registry.Len())
	assert.Equal(t, int64(10), f.svc.Evictions())
}

// sendingRegistry tries a send to every connection it unregisters, the way a
// broadcast holding an older snapshot would.
type sendingRegistry struct {
	*memory.MemoryConnectionRegistry
	sendErrs []error
}

func (r *sendingRegistry) Unregister(id domain.ConnectionID) bool {
	if conn, ok := r.Get(id); ok {
		r.sendErrs = append(r.sendErrs, conn.Send(context.Background(), []byte{1}))
	}
	return r.MemoryConnectionRegistry.Unregister(id)
}

func TestHealth_EvictedConnectionRejectsSendsBeforeRemoval(t *testing.T) {
	f := newHealthFixture(t)
	registry := &sendingRegistry{MemoryConnectionRegistry: f.registry}
	svc := NewHealthService(registry, f.clock, 5*time.Second, 15*time.Second, time.Second,
		f.metrics, f.notifier, zaptest.NewLogger(t).Sugar())

	conn, ch := testutils.NewPeer("stale", f.clock.Now())
	registry.Register(conn)
	f.clock.Add(16 * time.Second)

	assert.Equal(t, 1, svc.Sweep(context.Background()))
	require.Len(t, registry.sendErrs, 1)
	assert.ErrorIs(t, registry.sendErrs[0], domain.ErrConnectionClosed)
	assert.Zero(t, ch.BinaryCount())
	assert.False(t, conn.IsOpen())
	assert.Equal(t, 1, ch.Closed())
}

func TestHealth_RunSweepsOnInterval(t *testing.T) {
	f := newHealthFixture(t)
	conn, _ := testutils.NewPeer("a", f.clock.Now())
	f.registry.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		f.clock.Add(5 * time.Second)
		return f.registry.IsEmpty()
	}, 2*time.Second, 5*time.Millisecond)
}
