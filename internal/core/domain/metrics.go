package domain

import "time"

// QoSSnapshot is a point-in-time copy of the QoS controller state.
type QoSSnapshot struct {
	FrameInterval               time.Duration
	FPS                         int
	QualityPercent              int
	BandwidthCeilingKbps        int
	BandwidthCeilingBytesPerSec int64
	WindowBytes                 int64
	LaggingConnections          int
	TotalConnections            int
}

// BroadcastStats aggregates scheduler counters.
type BroadcastStats struct {
	TotalFramesSent int64
	TotalBytesSent  int64
	TicksThrottled  int64
	TicksSkipped    int64
	EncodeFailures  int64
	Connections     int
	Timestamp       time.Time
}

// ConnectionStats is a per-connection view used by the stats endpoint.
type ConnectionStats struct {
	ID          ConnectionID
	RemoteAddr  string
	Paused      bool
	FramesSent  int64
	BytesSent   int64
	FramesAcked int64
	LagReports  int64
	LastAck     time.Time
	ConnectedAt time.Time
}
