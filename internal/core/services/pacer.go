package services

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Pacer holds samples back until their presentation time, epoch + pts.
type Pacer struct {
	clock clock.Clock
	epoch atomic.Time
}

func NewPacer(clk clock.Clock) *Pacer {
	return &Pacer{clock: clk}
}

// SetEpoch sets the wall-clock anchor. A zero epoch disables pacing.
func (p *Pacer) SetEpoch(epoch time.Time) {
	p.epoch.Store(epoch)
}

func (p *Pacer) Epoch() time.Time {
	return p.epoch.Load()
}

// Deadline returns the presentation time of a sample with the given pts.
func (p *Pacer) Deadline(ptsUs int64) time.Time {
	return p.epoch.Load().Add(time.Duration(ptsUs) * time.Microsecond)
}

// Wait blocks until the presentation time of ptsUs. A sample already past
// its deadline returns at once with its lateness; it is never delayed
// further.
func (p *Pacer) Wait(ctx context.Context, ptsUs int64) (late time.Duration, err error) {
	if p.epoch.Load().IsZero() {
		return 0, nil
	}

	delay := p.Deadline(ptsUs).Sub(p.clock.Now())
	if delay <= 0 {
		return -delay, nil
	}

	timer := p.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
