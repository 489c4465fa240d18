package signal

import (
	"github.com/pion/webrtc/v4"
)

// Payload is a single decoded signaling message exchanged between two
// parties of a call. The concrete variants form a closed set: session
// descriptions and ICE candidates are forwarded to the peer connection,
// while reject/hangup are control payloads that the session interprets as
// an immediate teardown instruction and never forwards.
type Payload interface {
	payload()
}

// SDP carries a session description (offer or answer).
type SDP struct {
	Description webrtc.SessionDescription
}

// Candidate carries a single trickled ICE candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// Reject tells the callee declined the call.
type Reject struct{}

// Hangup tells the remote party ended the call.
type Hangup struct{}

func (SDP) payload()       {}
func (Candidate) payload() {}
func (Reject) payload()    {}
func (Hangup) payload()    {}

// Control reports whether the payload is a control payload (reject/hangup)
// rather than negotiation data for the underlying connection.
func Control(p Payload) bool {
	switch p.(type) {
	case Reject, Hangup:
		return true
	default:
		return false
	}
}
