package media

import (
	"context"

	"streamcast/internal/core/domain"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// LogRenderer stands in for a display: it counts and logs the samples it is
// given.
type LogRenderer struct {
	logger *zap.SugaredLogger

	video atomic.Int64
	audio atomic.Int64
	bytes atomic.Int64
}

func NewLogRenderer(logger *zap.SugaredLogger) *LogRenderer {
	return &LogRenderer{logger: logger}
}

func (r *LogRenderer) Render(ctx context.Context, sample domain.MediaSample) error {
	var n int64
	switch sample.Kind {
	case domain.KindVideo:
		n = r.video.Inc()
	case domain.KindAudio:
		n = r.audio.Inc()
	}
	r.bytes.Add(int64(len(sample.Data)))

	r.logger.Debugw("sample rendered",
		"kind", sample.Kind,
		"pts_us", sample.PTS,
		"bytes", len(sample.Data),
		"count", n,
	)
	return nil
}

// Rendered returns how many samples of kind were rendered.
func (r *LogRenderer) Rendered(kind domain.MediaKind) int64 {
	if kind == domain.KindAudio {
		return r.audio.Load()
	}
	return r.video.Load()
}

func (r *LogRenderer) Bytes() int64 {
	return r.bytes.Load()
}
