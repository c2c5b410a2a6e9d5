package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// SampleSource yields demuxed samples in presentation order.
type SampleSource interface {
	Next(ctx context.Context) (domain.Sample, error)
	Close() error
}

// Encoder turns the next raw sample into a compressed payload. quality is a
// 0-100 hint.
type Encoder interface {
	Encode(ctx context.Context, quality int) (domain.EncodedFrame, error)
	Close() error
}

// Renderer consumes received samples once their track is configured.
type Renderer interface {
	Render(ctx context.Context, sample domain.MediaSample) error
}

// Notifier is the capability external observers implement to receive
// status events.
type Notifier interface {
	Notify(event domain.StatusEvent)
}

type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	FrameBroadcast(bytes, receivers int)
	TickSkipped(reason string)
	EncodeFailed()
	QoSUpdated(snapshot domain.QoSSnapshot)
	PlaybackChanged(state domain.PlaybackState)
	ControlReceived(kind string)
	DecodeFailed(reason string)
	FrameDiscarded(kind string)
}

// StreamControl is what the HTTP surface needs from the streaming service.
type StreamControl interface {
	StartPlayback(ctx context.Context) (domain.PlaybackSnapshot, error)
	PausePlayback(ctx context.Context) (domain.PlaybackSnapshot, error)
	ResumePlayback(ctx context.Context) (domain.PlaybackSnapshot, error)
	StopPlayback(ctx context.Context) (domain.PlaybackSnapshot, error)
	Playback() domain.PlaybackSnapshot
	QoS() domain.QoSSnapshot
	SetBandwidthKbps(kbps int) domain.QoSSnapshot
	Stats() domain.BroadcastStats
	Connections() []domain.ConnectionStats
	Healthy() bool
}
