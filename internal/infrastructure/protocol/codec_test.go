package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"streamcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	packets := []struct {
		name   string
		packet Packet
	}{
		{"video frame", &MediaFrame{Kind: domain.KindVideo, PTS: 33_366, Data: []byte{0xff, 0xd8, 0xff, 0xe0}}},
		{"audio frame", &MediaFrame{Kind: domain.KindAudio, PTS: 1 << 40, Data: []byte{1, 2, 3}}},
		{"negative pts", &MediaFrame{Kind: domain.KindVideo, PTS: -1, Data: []byte{9}}},
		{"video csd", &CodecConfig{Kind: domain.KindVideo, Data: []byte{0, 0, 0, 1, 0x67, 0x42}}},
		{"audio csd", &CodecConfig{Kind: domain.KindAudio, Data: []byte{0x12, 0x10}}},
		{"video format", &VideoFormat{MIME: "video/avc", Width: 1280, Height: 720, FPS: 30}},
		{"audio format", &AudioFormat{MIME: "audio/mp4a-latm", SampleRate: 48000, Channels: 2}},
		{"empty mime", &VideoFormat{MIME: "", Width: 1, Height: 1, FPS: 1}},
		{"empty frame", &MediaFrame{Kind: domain.KindVideo, PTS: 7}},
		{"empty csd", &CodecConfig{Kind: domain.KindAudio}},
	}

	for _, tc := range packets {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.packet)
			assert.Len(t, encoded, tc.packet.encodedLen())
			assert.Equal(t, byte(tc.packet.Type()), encoded[0])

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.packet, decoded)
		})
	}
}

func TestEncode_NegativePTSIsSigned(t *testing.T) {
	encoded := Encode(&MediaFrame{Kind: domain.KindVideo, PTS: -1, Data: []byte{0xaa}})

	assert.Equal(t, []byte{0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xaa}, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), decoded.(*MediaFrame).PTS)
}

func TestEncode_BigEndianLayout(t *testing.T) {
	encoded := Encode(&VideoFormat{MIME: "ab", Width: 2, Height: 3, FPS: 4})
	want := []byte{
		4,
		0, 0, 0, 2, 'a', 'b',
		0, 0, 0, 2,
		0, 0, 0, 3,
		0, 0, 0, 4,
	}
	assert.Equal(t, want, encoded)
}

func TestAppendPacket_ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	buf = AppendPacket(buf, &CodecConfig{Kind: domain.KindAudio, Data: []byte{1}})
	buf = AppendPacket(buf, &MediaFrame{Kind: domain.KindAudio, PTS: 7, Data: []byte{2}})

	first, err := Decode(buf[:6])
	require.NoError(t, err)
	assert.Equal(t, &CodecConfig{Kind: domain.KindAudio, Data: []byte{1}}, first)

	second, err := Decode(buf[6:])
	require.NoError(t, err)
	assert.Equal(t, &MediaFrame{Kind: domain.KindAudio, PTS: 7, Data: []byte{2}}, second)
}

func TestDecode_Truncated(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("frame shorter than pts header", func(t *testing.T) {
		encoded := Encode(&MediaFrame{Kind: domain.KindVideo, PTS: 5, Data: []byte{1, 2}})
		for n := 1; n < tagSize+ptsSize; n++ {
			_, err := Decode(encoded[:n])
			assert.ErrorIs(t, err, ErrTruncated, "prefix length %d", n)
		}
	})

	// Length-prefixed packets have no valid proper prefix.
	for _, p := range []Packet{
		&CodecConfig{Kind: domain.KindVideo, Data: []byte{1, 2, 3, 4}},
		&VideoFormat{MIME: "video/avc", Width: 640, Height: 480, FPS: 25},
		&AudioFormat{MIME: "audio/opus", SampleRate: 48000, Channels: 1},
	} {
		encoded := Encode(p)
		t.Run(p.Type().String(), func(t *testing.T) {
			for n := 1; n < len(encoded); n++ {
				_, err := Decode(encoded[:n])
				assert.ErrorIs(t, err, ErrTruncated, "prefix length %d", n)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte{42, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, byte(42), decErr.Tag)
}

func TestDecode_LengthMismatch(t *testing.T) {
	t.Run("csd with trailing bytes", func(t *testing.T) {
		encoded := append(Encode(&CodecConfig{Kind: domain.KindVideo, Data: []byte{1}}), 0xee)
		_, err := Decode(encoded)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("negative declared length", func(t *testing.T) {
		buf := []byte{byte(TypeAudioCSD)}
		buf = binary.BigEndian.AppendUint32(buf, 0xffffffff)
		_, err := Decode(buf)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("declared length beyond buffer", func(t *testing.T) {
		buf := []byte{byte(TypeVideoCSD)}
		buf = binary.BigEndian.AppendUint32(buf, 1<<30)
		_, err := Decode(append(buf, 1, 2, 3))
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("format with trailing bytes", func(t *testing.T) {
		encoded := append(Encode(&AudioFormat{MIME: "audio/opus", SampleRate: 8000, Channels: 1}), 0)
		_, err := Decode(encoded)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})
}

func TestDecode_FrameAliasesInput(t *testing.T) {
	encoded := Encode(&MediaFrame{Kind: domain.KindVideo, PTS: 1, Data: []byte{1, 2, 3}})
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	encoded[len(encoded)-1] = 9
	assert.Equal(t, []byte{1, 2, 9}, decoded.(*MediaFrame).Data)
}

func FuzzDecode(f *testing.F) {
	f.Add(Encode(&MediaFrame{Kind: domain.KindVideo, PTS: -1, Data: []byte{1}}))
	f.Add(Encode(&VideoFormat{MIME: "video/avc", Width: 1, Height: 2, FPS: 3}))
	f.Add(Encode(&CodecConfig{Kind: domain.KindAudio, Data: []byte{1, 2}}))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			return
		}
		// Anything accepted must re-encode to the same bytes.
		assert.Equal(t, data, Encode(p))
	})
}
