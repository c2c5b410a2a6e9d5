package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
)

const MIMEJPEG = "image/jpeg"

// JPEGEncoder pulls raw RGBA frames from a source and compresses each one
// as a standalone JPEG. Non-video samples pass through unchanged. Encode is
// not safe for concurrent use.
type JPEGEncoder struct {
	source ports.SampleSource
	width  int
	height int
	buf    bytes.Buffer
}

func NewJPEGEncoder(source ports.SampleSource, width, height int) *JPEGEncoder {
	return &JPEGEncoder{source: source, width: width, height: height}
}

func (e *JPEGEncoder) Encode(ctx context.Context, quality int) (domain.EncodedFrame, error) {
	sample, err := e.source.Next(ctx)
	if err != nil {
		return domain.EncodedFrame{}, err
	}
	if sample.Kind != domain.KindVideo {
		return domain.EncodedFrame{
			Kind:  sample.Kind,
			PTS:   sample.PTS,
			Data:  sample.Data,
			IsKey: sample.IsKey,
		}, nil
	}

	if want := e.width * e.height * 4; len(sample.Data) != want {
		return domain.EncodedFrame{}, fmt.Errorf("raw frame is %d bytes, want %d for %dx%d RGBA",
			len(sample.Data), want, e.width, e.height)
	}

	quality = clampQuality(quality)
	img := &image.RGBA{
		Pix:    sample.Data,
		Stride: e.width * 4,
		Rect:   image.Rect(0, 0, e.width, e.height),
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return domain.EncodedFrame{}, fmt.Errorf("jpeg encode: %w", err)
	}

	return domain.EncodedFrame{
		Kind:    domain.KindVideo,
		PTS:     sample.PTS,
		Data:    append([]byte(nil), e.buf.Bytes()...),
		IsKey:   true,
		Quality: quality,
	}, nil
}

// Format describes the stream this encoder produces at fps.
func (e *JPEGEncoder) Format(fps int) domain.VideoFormat {
	return domain.VideoFormat{MIME: MIMEJPEG, Width: e.width, Height: e.height, FPS: fps}
}

// CodecConfig is empty: every JPEG frame is self-contained.
func (e *JPEGEncoder) CodecConfig() []byte {
	return []byte{}
}

func (e *JPEGEncoder) Close() error {
	return e.source.Close()
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
