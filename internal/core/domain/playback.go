package domain

import "time"

type PlaybackState int

const (
	PlaybackStopped PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackStopped:
		return "stopped"
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// PlaybackSnapshot is a consistent view of the playback controller.
// EpochStart is zero when no epoch is set.
type PlaybackSnapshot struct {
	State      PlaybackState
	EpochStart time.Time
	TargetFPS  int
}
