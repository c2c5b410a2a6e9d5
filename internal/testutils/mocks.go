package testutils

import (
	"context"
	"sync"

	"streamcast/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

// MockMetrics is a permissive ports.MetricsRecorder: every call is accepted
// and recorded, so tests only assert the calls they care about.
type MockMetrics struct {
	mock.Mock
}

func NewMockMetrics() *MockMetrics {
	m := &MockMetrics{}
	for _, method := range []string{"ConnectionOpened", "EncodeFailed"} {
		m.On(method).Maybe()
	}
	for _, method := range []string{
		"ConnectionClosed", "TickSkipped", "QoSUpdated", "PlaybackChanged",
		"ControlReceived", "DecodeFailed", "FrameDiscarded",
	} {
		m.On(method, mock.Anything).Maybe()
	}
	m.On("FrameBroadcast", mock.Anything, mock.Anything).Maybe()
	return m
}

func (m *MockMetrics) ConnectionOpened() { m.Called() }
func (m *MockMetrics) ConnectionClosed(reason string) { m.Called(reason) }
func (m *MockMetrics) FrameBroadcast(bytes, receivers int) {
	m.Called(bytes, receivers)
}
func (m *MockMetrics) TickSkipped(reason string) { m.Called(reason) }
func (m *MockMetrics) EncodeFailed() { m.Called() }
func (m *MockMetrics) QoSUpdated(snapshot domain.QoSSnapshot) { m.Called(snapshot) }
func (m *MockMetrics) PlaybackChanged(state domain.PlaybackState) {
	m.Called(state)
}
func (m *MockMetrics) ControlReceived(kind string) { m.Called(kind) }
func (m *MockMetrics) DecodeFailed(reason string) { m.Called(reason) }
func (m *MockMetrics) FrameDiscarded(kind string) { m.Called(kind) }

// RecordingNotifier collects every status event it receives.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (n *RecordingNotifier) Notify(event domain.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *RecordingNotifier) Events() []domain.StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.StatusEvent(nil), n.events...)
}

// Last returns the most recent event, or false when none arrived.
func (n *RecordingNotifier) Last() (domain.StatusEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return domain.StatusEvent{}, false
	}
	return n.events[len(n.events)-1], true
}

// WithSeverity returns the events with the given severity.
func (n *RecordingNotifier) WithSeverity(s domain.Severity) []domain.StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.StatusEvent
	for _, e := range n.events {
		if e.Severity == s {
			out = append(out, e)
		}
	}
	return out
}

type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Encode(ctx context.Context, quality int) (domain.EncodedFrame, error) {
	args := m.Called(ctx, quality)
	return args.Get(0).(domain.EncodedFrame), args.Error(1)
}

func (m *MockEncoder) Close() error {
	args := m.Called()
	return args.Error(0)
}

// RecordingRenderer keeps every sample it is asked to render.
type RecordingRenderer struct {
	mu      sync.Mutex
	samples []domain.MediaSample
	Err     error
}

func (r *RecordingRenderer) Render(ctx context.Context, sample domain.MediaSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.samples = append(r.samples, sample)
	return nil
}

func (r *RecordingRenderer) Samples() []domain.MediaSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MediaSample(nil), r.samples...)
}
