package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Channel is the message-oriented duplex link a PeerConnection rides on.
// Implementations bound the blocking time of every send.
type Channel interface {
	SendBinary(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error
	Probe(ctx context.Context) error
	Close() error
	RemoteAddr() string
}

// PeerConnection is one remote endpoint. It is never reused after Close;
// a reconnect produces a new instance with a new ID.
type PeerConnection struct {
	ID          ConnectionID
	ConnectedAt time.Time

	channel Channel

	paused        atomic.Bool
	closed        atomic.Bool
	channelClosed atomic.Bool

	lastAck     atomic.Time
	framesAcked atomic.Int64
	lagReports  atomic.Int64
	framesSent  atomic.Int64
	bytesSent   atomic.Int64
}

func NewPeerConnection(id ConnectionID, ch Channel, now time.Time) *PeerConnection {
	pc := &PeerConnection{
		ID:          id,
		ConnectedAt: now,
		channel:     ch,
	}
	pc.lastAck.Store(now)
	return pc
}

// Send writes one binary packet and updates delivery counters.
func (p *PeerConnection) Send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return ErrConnectionClosed
	}
	if err := p.channel.SendBinary(ctx, data); err != nil {
		return err
	}
	p.framesSent.Inc()
	p.bytesSent.Add(int64(len(data)))
	return nil
}

func (p *PeerConnection) SendText(ctx context.Context, text string) error {
	if p.closed.Load() {
		return ErrConnectionClosed
	}
	return p.channel.SendText(ctx, text)
}

func (p *PeerConnection) Probe(ctx context.Context) error {
	if p.closed.Load() {
		return ErrConnectionClosed
	}
	return p.channel.Probe(ctx)
}

// Retire makes every later send fail with ErrConnectionClosed while the
// channel stays up. Close still has to be called.
func (p *PeerConnection) Retire() {
	p.closed.Store(true)
}

// Close closes the underlying channel once. Later calls return nil.
func (p *PeerConnection) Close() error {
	p.closed.Store(true)
	if !p.channelClosed.CompareAndSwap(false, true) {
		return nil
	}
	return p.channel.Close()
}

func (p *PeerConnection) IsOpen() bool { return !p.closed.Load() }

func (p *PeerConnection) Pause()         { p.paused.Store(true) }
func (p *PeerConnection) Resume()        { p.paused.Store(false) }
func (p *PeerConnection) IsPaused() bool { return p.paused.Load() }

func (p *PeerConnection) RecordAck(now time.Time) {
	p.framesAcked.Inc()
	p.lastAck.Store(now)
}

// Touch marks the peer alive without counting an acknowledged frame. Probe
// replies land here.
func (p *PeerConnection) Touch(now time.Time) {
	p.lastAck.Store(now)
}

// RecordLag increments the lag counter and returns the new value.
func (p *PeerConnection) RecordLag() int64 {
	return p.lagReports.Inc()
}

func (p *PeerConnection) LagReports() int64  { return p.lagReports.Load() }
func (p *PeerConnection) FramesAcked() int64 { return p.framesAcked.Load() }
func (p *PeerConnection) LastAck() time.Time { return p.lastAck.Load() }
func (p *PeerConnection) RemoteAddr() string { return p.channel.RemoteAddr() }

func (p *PeerConnection) Stats() ConnectionStats {
	return ConnectionStats{
		ID:          p.ID,
		RemoteAddr:  p.channel.RemoteAddr(),
		Paused:      p.paused.Load(),
		FramesSent:  p.framesSent.Load(),
		BytesSent:   p.bytesSent.Load(),
		FramesAcked: p.framesAcked.Load(),
		LagReports:  p.lagReports.Load(),
		LastAck:     p.lastAck.Load(),
		ConnectedAt: p.ConnectedAt,
	}
}
