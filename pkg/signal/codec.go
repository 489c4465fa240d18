package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Wire representation of the payload variants. The type is discriminated
// exactly once here, at the ingestion boundary; the rest of the code only
// ever sees decoded Payload values.
const (
	wireTypeSDP       = "sdp"
	wireTypeCandidate = "candidate"
	wireTypeReject    = "reject"
	wireTypeHangup    = "hangup"
)

var (
	ErrUnknownPayloadType = errors.New("unknown signaling payload type")
	ErrMalformedPayload   = errors.New("malformed signaling payload")
)

type envelope struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Decode parses a raw signaling payload received from the relay.
// Unknown or malformed payloads yield an error, never a panic.
func Decode(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch env.Type {
	case wireTypeSDP:
		if env.SDP == nil {
			return nil, fmt.Errorf("%w: missing session description", ErrMalformedPayload)
		}
		return SDP{Description: *env.SDP}, nil
	case wireTypeCandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("%w: missing candidate", ErrMalformedPayload)
		}
		return Candidate{Candidate: *env.Candidate}, nil
	case wireTypeReject:
		return Reject{}, nil
	case wireTypeHangup:
		return Hangup{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, env.Type)
	}
}

// Encode serializes a payload for transmission over the relay.
func Encode(p Payload) ([]byte, error) {
	var env envelope

	switch payload := p.(type) {
	case SDP:
		env = envelope{Type: wireTypeSDP, SDP: &payload.Description}
	case Candidate:
		env = envelope{Type: wireTypeCandidate, Candidate: &payload.Candidate}
	case Reject:
		env = envelope{Type: wireTypeReject}
	case Hangup:
		env = envelope{Type: wireTypeHangup}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayloadType, p)
	}

	return json.Marshal(env)
}
