package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/testutils"
	"streamcast/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errEncode = errors.New("encode failed")

func breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

func TestEncoderWrapper_PassesThroughFrames(t *testing.T) {
	enc := &testutils.MockEncoder{}
	frame := domain.EncodedFrame{Kind: domain.KindVideo, PTS: 42, Data: []byte{1}, Quality: 80}
	enc.On("Encode", mock.Anything, 80).Return(frame, nil).Once()

	w := NewEncoderWrapper(enc, breakerConfig(), clock.NewMock(), nil, zaptest.NewLogger(t).Sugar())
	got, err := w.Encode(context.Background(), 80)

	require.NoError(t, err)
	assert.Equal(t, frame, got)
	enc.AssertExpectations(t)
}

func TestEncoderWrapper_OpensAfterRepeatedFailures(t *testing.T) {
	enc := &testutils.MockEncoder{}
	enc.On("Encode", mock.Anything, mock.Anything).Return(domain.EncodedFrame{}, errEncode).Times(3)

	var transitions []circuitbreaker.State
	clk := clock.NewMock()
	w := NewEncoderWrapper(enc, breakerConfig(), clk, func(from, to circuitbreaker.State) {
		transitions = append(transitions, to)
	}, zaptest.NewLogger(t).Sugar())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.Encode(ctx, 50)
		assert.ErrorIs(t, err, errEncode)
	}
	assert.Equal(t, circuitbreaker.StateOpen, w.State())
	assert.Equal(t, []circuitbreaker.State{circuitbreaker.StateOpen}, transitions)

	// open: the encoder is not called
	_, err := w.Encode(ctx, 50)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	enc.AssertNumberOfCalls(t, "Encode", 3)

	// after the timeout a probe call goes through and closes the breaker
	enc.On("Encode", mock.Anything, mock.Anything).Return(domain.EncodedFrame{PTS: 1}, nil).Once()
	clk.Add(time.Second)
	_, err = w.Encode(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, w.State())
}

func TestEncoderWrapper_ExhaustionDoesNotTrip(t *testing.T) {
	enc := &testutils.MockEncoder{}
	enc.On("Encode", mock.Anything, mock.Anything).Return(domain.EncodedFrame{}, domain.ErrSourceExhausted)

	w := NewEncoderWrapper(enc, breakerConfig(), clock.NewMock(), nil, zaptest.NewLogger(t).Sugar())
	for i := 0; i < 10; i++ {
		_, err := w.Encode(context.Background(), 50)
		assert.ErrorIs(t, err, domain.ErrSourceExhausted)
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.State())
}

func TestEncoderWrapper_Close(t *testing.T) {
	enc := &testutils.MockEncoder{}
	enc.On("Close").Return(nil).Once()

	w := NewEncoderWrapper(enc, breakerConfig(), nil, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, w.Close())
	enc.AssertExpectations(t)
}
