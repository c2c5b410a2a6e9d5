package domain

import "time"

// MediaKind identifies the track a sample belongs to.
type MediaKind uint8

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Sample is one demuxed unit produced by a SampleSource.
type Sample struct {
	Kind  MediaKind
	PTS   int64 // microseconds
	Data  []byte
	IsKey bool
}

// EncodedFrame is the compressed payload handed to the broadcast scheduler.
type EncodedFrame struct {
	Kind    MediaKind
	PTS     int64 // microseconds
	Data    []byte
	IsKey   bool
	Quality int
}

// MediaSample is a decoded-side unit delivered to a Renderer once its
// track is configured.
type MediaSample struct {
	Kind     MediaKind
	PTS      int64
	Data     []byte
	Received time.Time
}

type VideoFormat struct {
	MIME   string
	Width  int
	Height int
	FPS    int
}

type AudioFormat struct {
	MIME       string
	SampleRate int
	Channels   int
}
