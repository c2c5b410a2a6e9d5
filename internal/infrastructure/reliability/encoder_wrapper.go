package reliability

import (
	"context"
	"errors"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// EncoderWrapper puts an Encoder behind a circuit breaker. While the breaker
// is open Encode fails fast with circuitbreaker.ErrOpen and the underlying
// encoder is not called.
type EncoderWrapper struct {
	encoder ports.Encoder
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewEncoderWrapper wraps encoder. onStateChange, if set, runs after every
// breaker transition. Source exhaustion never counts as a breaker failure.
func NewEncoderWrapper(
	encoder ports.Encoder,
	cfg circuitbreaker.Config,
	clk clock.Clock,
	onStateChange func(from, to circuitbreaker.State),
	logger *zap.SugaredLogger,
) *EncoderWrapper {
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrSourceExhausted) && !errors.Is(err, context.Canceled)
	}
	if clk == nil {
		clk = clock.New()
	}

	w := &EncoderWrapper{
		encoder: encoder,
		breaker: circuitbreaker.NewWithClock(cfg, clk),
		logger:  logger,
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("encoder circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
		if onStateChange != nil {
			onStateChange(from, to)
		}
	})

	return w
}

func (w *EncoderWrapper) Encode(ctx context.Context, quality int) (domain.EncodedFrame, error) {
	return circuitbreaker.Do(ctx, w.breaker, func() (domain.EncodedFrame, error) {
		return w.encoder.Encode(ctx, quality)
	})
}

func (w *EncoderWrapper) Close() error {
	return w.encoder.Close()
}

// State returns the breaker state.
func (w *EncoderWrapper) State() circuitbreaker.State {
	return w.breaker.GetState()
}

// Stats returns circuit breaker statistics
func (w *EncoderWrapper) Stats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}
