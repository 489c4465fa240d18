package signal_test

import (
	"testing"

	"github.com/Math49/chat-client/pkg/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SDP(t *testing.T) {
	raw := []byte(`{"type":"sdp","sdp":{"type":"offer","sdp":"v=0\r\n"}}`)

	p, err := signal.Decode(raw)
	require.NoError(t, err)

	sdp, ok := p.(signal.SDP)
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, sdp.Description.Type)
	assert.False(t, signal.Control(p))
}

func TestDecode_Candidate(t *testing.T) {
	raw := []byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}}`)

	p, err := signal.Decode(raw)
	require.NoError(t, err)

	candidate, ok := p.(signal.Candidate)
	require.True(t, ok)
	assert.Contains(t, candidate.Candidate.Candidate, "typ host")
}

func TestDecode_ControlPayloads(t *testing.T) {
	reject, err := signal.Decode([]byte(`{"type":"reject"}`))
	require.NoError(t, err)
	assert.IsType(t, signal.Reject{}, reject)
	assert.True(t, signal.Control(reject))

	hangup, err := signal.Decode([]byte(`{"type":"hangup"}`))
	require.NoError(t, err)
	assert.IsType(t, signal.Hangup{}, hangup)
	assert.True(t, signal.Control(hangup))
}

func TestDecode_Errors(t *testing.T) {
	_, err := signal.Decode([]byte(`{"type":"presence"}`))
	assert.ErrorIs(t, err, signal.ErrUnknownPayloadType)

	_, err = signal.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, signal.ErrMalformedPayload)

	// A declared SDP payload without a description is malformed, not a panic.
	_, err = signal.Decode([]byte(`{"type":"sdp"}`))
	assert.ErrorIs(t, err, signal.ErrMalformedPayload)

	_, err = signal.Decode([]byte(`{"type":"candidate"}`))
	assert.ErrorIs(t, err, signal.ErrMalformedPayload)
}

func TestEncode_RoundTrip(t *testing.T) {
	original := signal.SDP{Description: webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	}}

	raw, err := signal.Encode(original)
	require.NoError(t, err)

	decoded, err := signal.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}
