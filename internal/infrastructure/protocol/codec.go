// Package protocol implements the application-layer packets carried over a
// connection: big-endian binary media packets tagged by a single leading byte,
// and short UTF-8 text control messages.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"streamcast/internal/core/domain"
)

type PacketType byte

const (
	TypeVideoFrame  PacketType = 0
	TypeAudioFrame  PacketType = 1
	TypeVideoCSD    PacketType = 2
	TypeAudioCSD    PacketType = 3
	TypeVideoFormat PacketType = 4
	TypeAudioFormat PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case TypeVideoFrame:
		return "VIDEO_FRAME"
	case TypeAudioFrame:
		return "AUDIO_FRAME"
	case TypeVideoCSD:
		return "VIDEO_CSD"
	case TypeAudioCSD:
		return "AUDIO_CSD"
	case TypeVideoFormat:
		return "VIDEO_FORMAT"
	case TypeAudioFormat:
		return "AUDIO_FORMAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

const (
	tagSize       = 1
	ptsSize       = 8
	lenSize       = 4
	videoDimsSize = 12 // width + height + fps
	audioDimsSize = 8  // sample rate + channels
)

var (
	ErrUnknownType    = errors.New("unknown packet type")
	ErrTruncated      = errors.New("truncated packet")
	ErrLengthMismatch = errors.New("declared length does not match payload")
)

// DecodeError describes why a buffer could not be decoded. Reason is one of
// ErrUnknownType, ErrTruncated or ErrLengthMismatch.
type DecodeError struct {
	Tag    byte
	Reason error
	Need   int
	Have   int
}

func (e *DecodeError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("decode %s: %v (need %d bytes, have %d)", PacketType(e.Tag), e.Reason, e.Need, e.Have)
	}
	return fmt.Sprintf("decode %s: %v", PacketType(e.Tag), e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// Packet is a binary application packet. The set of implementations is closed.
type Packet interface {
	Type() PacketType
	encodedLen() int
	appendTo(dst []byte) []byte
}

// MediaFrame is a VIDEO_FRAME or AUDIO_FRAME packet.
type MediaFrame struct {
	Kind domain.MediaKind
	PTS  int64 // microseconds, signed
	Data []byte
}

func (f *MediaFrame) Type() PacketType {
	if f.Kind == domain.KindAudio {
		return TypeAudioFrame
	}
	return TypeVideoFrame
}

func (f *MediaFrame) encodedLen() int { return tagSize + ptsSize + len(f.Data) }

func (f *MediaFrame) appendTo(dst []byte) []byte {
	dst = append(dst, byte(f.Type()))
	dst = binary.BigEndian.AppendUint64(dst, uint64(f.PTS))
	return append(dst, f.Data...)
}

// CodecConfig is a VIDEO_CSD or AUDIO_CSD packet.
type CodecConfig struct {
	Kind domain.MediaKind
	Data []byte
}

func (c *CodecConfig) Type() PacketType {
	if c.Kind == domain.KindAudio {
		return TypeAudioCSD
	}
	return TypeVideoCSD
}

func (c *CodecConfig) encodedLen() int { return tagSize + lenSize + len(c.Data) }

func (c *CodecConfig) appendTo(dst []byte) []byte {
	dst = append(dst, byte(c.Type()))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(c.Data)))
	return append(dst, c.Data...)
}

type VideoFormat struct {
	MIME   string
	Width  int32
	Height int32
	FPS    int32
}

func (v *VideoFormat) Type() PacketType { return TypeVideoFormat }

func (v *VideoFormat) encodedLen() int { return tagSize + lenSize + len(v.MIME) + videoDimsSize }

func (v *VideoFormat) appendTo(dst []byte) []byte {
	dst = append(dst, byte(TypeVideoFormat))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.MIME)))
	dst = append(dst, v.MIME...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(v.Width))
	dst = binary.BigEndian.AppendUint32(dst, uint32(v.Height))
	return binary.BigEndian.AppendUint32(dst, uint32(v.FPS))
}

type AudioFormat struct {
	MIME       string
	SampleRate int32
	Channels   int32
}

func (a *AudioFormat) Type() PacketType { return TypeAudioFormat }

func (a *AudioFormat) encodedLen() int { return tagSize + lenSize + len(a.MIME) + audioDimsSize }

func (a *AudioFormat) appendTo(dst []byte) []byte {
	dst = append(dst, byte(TypeAudioFormat))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(a.MIME)))
	dst = append(dst, a.MIME...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(a.SampleRate))
	return binary.BigEndian.AppendUint32(dst, uint32(a.Channels))
}

// Encode returns the wire form of p.
func Encode(p Packet) []byte {
	return p.appendTo(make([]byte, 0, p.encodedLen()))
}

// AppendPacket appends the wire form of p to dst.
func AppendPacket(dst []byte, p Packet) []byte {
	return p.appendTo(dst)
}

// Decode parses one binary packet. Payload slices of the result alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) < tagSize {
		return nil, &DecodeError{Reason: ErrTruncated, Need: tagSize, Have: len(b)}
	}

	tag := b[0]
	body := b[tagSize:]

	switch PacketType(tag) {
	case TypeVideoFrame, TypeAudioFrame:
		if len(body) < ptsSize {
			return nil, truncated(tag, tagSize+ptsSize, len(b))
		}
		return &MediaFrame{
			Kind: kindOf(PacketType(tag)),
			PTS:  int64(binary.BigEndian.Uint64(body)),
			Data: payload(body[ptsSize:]),
		}, nil

	case TypeVideoCSD, TypeAudioCSD:
		data, rest, err := readBlock(tag, b, body)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &DecodeError{Tag: tag, Reason: ErrLengthMismatch, Need: len(b) - len(rest), Have: len(b)}
		}
		return &CodecConfig{Kind: kindOf(PacketType(tag)), Data: payload(data)}, nil

	case TypeVideoFormat:
		mime, rest, err := readBlock(tag, b, body)
		if err != nil {
			return nil, err
		}
		if err := checkExact(tag, b, rest, videoDimsSize); err != nil {
			return nil, err
		}
		return &VideoFormat{
			MIME:   string(mime),
			Width:  int32(binary.BigEndian.Uint32(rest[0:])),
			Height: int32(binary.BigEndian.Uint32(rest[4:])),
			FPS:    int32(binary.BigEndian.Uint32(rest[8:])),
		}, nil

	case TypeAudioFormat:
		mime, rest, err := readBlock(tag, b, body)
		if err != nil {
			return nil, err
		}
		if err := checkExact(tag, b, rest, audioDimsSize); err != nil {
			return nil, err
		}
		return &AudioFormat{
			MIME:       string(mime),
			SampleRate: int32(binary.BigEndian.Uint32(rest[0:])),
			Channels:   int32(binary.BigEndian.Uint32(rest[4:])),
		}, nil

	default:
		return nil, &DecodeError{Tag: tag, Reason: ErrUnknownType}
	}
}

// readBlock reads an int32 length prefix and that many bytes.
func readBlock(tag byte, whole, body []byte) (block, rest []byte, err error) {
	if len(body) < lenSize {
		return nil, nil, truncated(tag, tagSize+lenSize, len(whole))
	}
	n := int64(int32(binary.BigEndian.Uint32(body)))
	if n < 0 {
		return nil, nil, &DecodeError{Tag: tag, Reason: ErrLengthMismatch}
	}
	body = body[lenSize:]
	if int64(len(body)) < n {
		return nil, nil, truncated(tag, tagSize+lenSize+int(n), len(whole))
	}
	return body[:n], body[n:], nil
}

// payload maps an empty payload to nil so it decodes the way it was built.
func payload(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func checkExact(tag byte, whole, rest []byte, want int) error {
	switch {
	case len(rest) < want:
		return truncated(tag, len(whole)-len(rest)+want, len(whole))
	case len(rest) > want:
		return &DecodeError{Tag: tag, Reason: ErrLengthMismatch, Need: len(whole) - len(rest) + want, Have: len(whole)}
	}
	return nil
}

func truncated(tag byte, need, have int) error {
	return &DecodeError{Tag: tag, Reason: ErrTruncated, Need: need, Have: have}
}

func kindOf(t PacketType) domain.MediaKind {
	switch t {
	case TypeAudioFrame, TypeAudioCSD, TypeAudioFormat:
		return domain.KindAudio
	default:
		return domain.KindVideo
	}
}
