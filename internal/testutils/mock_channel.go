package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamcast/internal/core/domain"
)

var ErrMockSend = errors.New("mock channel send failed")

// MockChannel is an in-memory domain.Channel that records everything sent.
type MockChannel struct {
	mu sync.Mutex

	Addr      string
	Binary    [][]byte
	Text      []string
	Probes    int
	CloseCall int

	SendErr  error
	ProbeErr error
	// SendDelay makes every send block for the given time, honoring ctx.
	SendDelay time.Duration
	// OnSend runs before a binary send is recorded.
	OnSend func()
}

func NewMockChannel(addr string) *MockChannel {
	return &MockChannel{Addr: addr}
}

func (m *MockChannel) SendBinary(ctx context.Context, data []byte) error {
	if m.OnSend != nil {
		m.OnSend()
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Binary = append(m.Binary, append([]byte(nil), data...))
	return nil
}

func (m *MockChannel) SendText(ctx context.Context, text string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Text = append(m.Text, text)
	return nil
}

func (m *MockChannel) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Probes++
	return m.ProbeErr
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCall++
	return nil
}

func (m *MockChannel) RemoteAddr() string { return m.Addr }

func (m *MockChannel) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErr = err
}

func (m *MockChannel) BinaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Binary)
}

func (m *MockChannel) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Text...)
}

func (m *MockChannel) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCall
}

func (m *MockChannel) wait(ctx context.Context) error {
	if m.SendDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.SendDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewPeer wraps a fresh MockChannel in a PeerConnection.
func NewPeer(addr string, now time.Time) (*domain.PeerConnection, *MockChannel) {
	ch := NewMockChannel(addr)
	return domain.NewPeerConnection(domain.NewConnectionID(), ch, now), ch
}
