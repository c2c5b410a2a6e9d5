package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction says which side sent a text control message. The PAUSE token is
// shared on the wire: sent by the server it pauses playback, sent by a client
// it pauses delivery to that client only.
type Direction int

const (
	// Inbound is client to server.
	Inbound Direction = iota
	// Outbound is server to client.
	Outbound
)

type ControlKind int

const (
	ControlStartStream ControlKind = iota + 1
	ControlStopStream
	ControlLag
	ControlAck
	ControlBandwidth
	ControlFlowPause
	ControlFlowResume
	ControlPlay
	ControlPlaybackPause
	ControlPlaybackStop
)

func (k ControlKind) String() string {
	switch k {
	case ControlStartStream:
		return "start_stream"
	case ControlStopStream:
		return "stop_stream"
	case ControlLag:
		return "lag"
	case ControlAck:
		return "ack"
	case ControlBandwidth:
		return "bandwidth"
	case ControlFlowPause:
		return "flow_pause"
	case ControlFlowResume:
		return "flow_resume"
	case ControlPlay:
		return "play"
	case ControlPlaybackPause:
		return "playback_pause"
	case ControlPlaybackStop:
		return "playback_stop"
	default:
		return "unknown"
	}
}

const (
	tokenStartStream = "START_STREAM"
	tokenStopStream  = "STOP_STREAM"
	tokenPlay        = "PLAY"
	tokenPause       = "PAUSE"
	tokenResume      = "RESUME"
	tokenStop        = "STOP"
	tokenLag         = "LAG"
	tokenAck         = "ACK"
	tokenBandwidth   = "BANDWIDTH"
)

var (
	ErrUnknownControl   = errors.New("unknown control message")
	ErrMalformedControl = errors.New("malformed control message")
)

// Control is a decoded text control message.
type Control struct {
	Kind          ControlKind
	EpochMs       int64
	FPS           int
	BandwidthKbps int
}

// Play builds the PLAY message announcing the shared epoch.
func Play(epoch time.Time, fps int) Control {
	return Control{Kind: ControlPlay, EpochMs: epoch.UnixMilli(), FPS: fps}
}

// Epoch returns the PLAY epoch as a wall-clock time.
func (c Control) Epoch() time.Time {
	return time.UnixMilli(c.EpochMs)
}

// String returns the wire text.
func (c Control) String() string {
	switch c.Kind {
	case ControlStartStream:
		return tokenStartStream
	case ControlStopStream:
		return tokenStopStream
	case ControlLag:
		return tokenLag
	case ControlAck:
		return tokenAck
	case ControlBandwidth:
		return tokenBandwidth + " " + strconv.Itoa(c.BandwidthKbps)
	case ControlFlowPause, ControlPlaybackPause:
		return tokenPause
	case ControlFlowResume:
		return tokenResume
	case ControlPlay:
		return fmt.Sprintf("%s:%d:%d", tokenPlay, c.EpochMs, c.FPS)
	case ControlPlaybackStop:
		return tokenStop
	default:
		return ""
	}
}

// ParseControl decodes a text control message sent in direction dir.
func ParseControl(text string, dir Direction) (Control, error) {
	text = strings.TrimSpace(text)
	if dir == Inbound {
		return parseInbound(text)
	}
	return parseOutbound(text)
}

func parseInbound(text string) (Control, error) {
	switch text {
	case tokenStartStream:
		return Control{Kind: ControlStartStream}, nil
	case tokenStopStream:
		return Control{Kind: ControlStopStream}, nil
	case tokenLag:
		return Control{Kind: ControlLag}, nil
	case tokenAck:
		return Control{Kind: ControlAck}, nil
	case tokenPause:
		return Control{Kind: ControlFlowPause}, nil
	case tokenResume:
		return Control{Kind: ControlFlowResume}, nil
	}

	fields := strings.Fields(text)
	if len(fields) > 0 && fields[0] == tokenBandwidth {
		if len(fields) != 2 {
			return Control{Kind: ControlBandwidth}, fmt.Errorf("%w: %q", ErrMalformedControl, text)
		}
		kbps, err := strconv.Atoi(fields[1])
		if err != nil {
			return Control{Kind: ControlBandwidth}, fmt.Errorf("%w: %q", ErrMalformedControl, text)
		}
		return Control{Kind: ControlBandwidth, BandwidthKbps: kbps}, nil
	}

	return Control{}, fmt.Errorf("%w: %q", ErrUnknownControl, text)
}

func parseOutbound(text string) (Control, error) {
	switch text {
	case tokenPause:
		return Control{Kind: ControlPlaybackPause}, nil
	case tokenStop:
		return Control{Kind: ControlPlaybackStop}, nil
	}

	if !strings.HasPrefix(text, tokenPlay+":") {
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownControl, text)
	}
	parts := strings.Split(text, ":")
	if len(parts) != 3 {
		return Control{Kind: ControlPlay}, fmt.Errorf("%w: %q", ErrMalformedControl, text)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Control{Kind: ControlPlay}, fmt.Errorf("%w: %q", ErrMalformedControl, text)
	}
	fps, err := strconv.Atoi(parts[2])
	if err != nil || fps <= 0 {
		return Control{Kind: ControlPlay}, fmt.Errorf("%w: %q", ErrMalformedControl, text)
	}
	return Control{Kind: ControlPlay, EpochMs: epoch, FPS: fps}, nil
}
