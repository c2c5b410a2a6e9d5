package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControl_Inbound(t *testing.T) {
	cases := []struct {
		text string
		want Control
	}{
		{"START_STREAM", Control{Kind: ControlStartStream}},
		{"STOP_STREAM", Control{Kind: ControlStopStream}},
		{"LAG", Control{Kind: ControlLag}},
		{"ACK", Control{Kind: ControlAck}},
		{" ACK\n", Control{Kind: ControlAck}},
		{"PAUSE", Control{Kind: ControlFlowPause}},
		{"RESUME", Control{Kind: ControlFlowResume}},
		{"BANDWIDTH 2500", Control{Kind: ControlBandwidth, BandwidthKbps: 2500}},
		{"BANDWIDTH 999999", Control{Kind: ControlBandwidth, BandwidthKbps: 999999}},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got, err := ParseControl(tc.text, Inbound)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseControl_InboundErrors(t *testing.T) {
	_, err := ParseControl("BANDWIDTH abc", Inbound)
	assert.ErrorIs(t, err, ErrMalformedControl)

	_, err = ParseControl("BANDWIDTH", Inbound)
	assert.ErrorIs(t, err, ErrMalformedControl)

	_, err = ParseControl("BANDWIDTH 1 2", Inbound)
	assert.ErrorIs(t, err, ErrMalformedControl)

	_, err = ParseControl("PLAY:1:30", Inbound)
	assert.ErrorIs(t, err, ErrUnknownControl)

	_, err = ParseControl("HELLO", Inbound)
	assert.ErrorIs(t, err, ErrUnknownControl)
}

func TestParseControl_PauseDependsOnDirection(t *testing.T) {
	in, err := ParseControl("PAUSE", Inbound)
	require.NoError(t, err)
	out, err := ParseControl("PAUSE", Outbound)
	require.NoError(t, err)

	assert.Equal(t, ControlFlowPause, in.Kind)
	assert.Equal(t, ControlPlaybackPause, out.Kind)
	assert.Equal(t, in.String(), out.String())
}

func TestParseControl_Outbound(t *testing.T) {
	epoch := time.UnixMilli(1_700_000_000_500)
	play := Play(epoch, 30)
	assert.Equal(t, "PLAY:1700000000500:30", play.String())

	parsed, err := ParseControl(play.String(), Outbound)
	require.NoError(t, err)
	assert.Equal(t, play, parsed)
	assert.True(t, parsed.Epoch().Equal(epoch))

	stop, err := ParseControl("STOP", Outbound)
	require.NoError(t, err)
	assert.Equal(t, ControlPlaybackStop, stop.Kind)

	for _, bad := range []string{"PLAY:x:30", "PLAY:1", "PLAY:1:0", "PLAY:1:2:3"} {
		_, err := ParseControl(bad, Outbound)
		assert.ErrorIs(t, err, ErrMalformedControl, bad)
	}
	_, err = ParseControl("LAG", Outbound)
	assert.ErrorIs(t, err, ErrUnknownControl)
}

func TestControl_StringRoundTripInbound(t *testing.T) {
	for _, c := range []Control{
		{Kind: ControlStartStream},
		{Kind: ControlStopStream},
		{Kind: ControlLag},
		{Kind: ControlAck},
		{Kind: ControlFlowPause},
		{Kind: ControlFlowResume},
		{Kind: ControlBandwidth, BandwidthKbps: 800},
	} {
		parsed, err := ParseControl(c.String(), Inbound)
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}
