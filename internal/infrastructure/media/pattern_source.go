package media

import (
	"context"
	"fmt"
	"sync"

	"streamcast/internal/core/domain"
)

// PatternSource generates raw RGBA video frames of moving color bars. It is
// the sample source the binaries use when no capture device is attached.
type PatternSource struct {
	width  int
	height int
	fps    int
	limit  int64 // 0 means unbounded

	mu     sync.Mutex
	n      int64
	closed bool
}

func NewPatternSource(width, height, fps int, limit int64) (*PatternSource, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pattern size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid pattern fps %d", fps)
	}
	return &PatternSource{width: width, height: height, fps: fps, limit: limit}, nil
}

func (s *PatternSource) Width() int  { return s.width }
func (s *PatternSource) Height() int { return s.height }

// Next returns the next frame. One frame per second is marked key.
func (s *PatternSource) Next(ctx context.Context) (domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sample{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Sample{}, domain.ErrSourceExhausted
	}
	if s.limit > 0 && s.n >= s.limit {
		s.mu.Unlock()
		return domain.Sample{}, fmt.Errorf("pattern after %d frames: %w", s.limit, domain.ErrSourceExhausted)
	}
	n := s.n
	s.n++
	s.mu.Unlock()

	return domain.Sample{
		Kind:  domain.KindVideo,
		PTS:   n * 1_000_000 / int64(s.fps),
		Data:  s.render(n),
		IsKey: n%int64(s.fps) == 0,
	}, nil
}

var barColors = [...][3]byte{
	{235, 235, 235},
	{235, 235, 16},
	{16, 235, 235},
	{16, 235, 16},
	{235, 16, 235},
	{235, 16, 16},
	{16, 16, 235},
	{16, 16, 16},
}

func (s *PatternSource) render(n int64) []byte {
	pix := make([]byte, s.width*s.height*4)
	barWidth := s.width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := int(n) % s.width
	for y := 0; y < s.height; y++ {
		row := pix[y*s.width*4 : (y+1)*s.width*4]
		for x := 0; x < s.width; x++ {
			c := barColors[((x+shift)%s.width/barWidth)%len(barColors)]
			row[x*4+0] = c[0]
			row[x*4+1] = c[1]
			row[x*4+2] = c[2]
			row[x*4+3] = 0xff
		}
	}
	return pix
}

func (s *PatternSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
