package peer

import (
	"errors"

	"github.com/Math49/chat-client/pkg/signal"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var ErrConnectionFailed = errors.New("peer connection failed")

// Called once the remote party's media starts flowing. The first track
// announces the remote stream to the owner; the session only becomes active
// at that point, not when signal exchange completes.
func (l *Link[ID]) onTrackReceived(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.logger.WithFields(logrus.Fields{
		"track_id":  track.ID(),
		"stream_id": track.StreamID(),
		"kind":      track.Kind().String(),
	}).Info("remote track received")

	if l.streamAnnounced.CompareAndSwap(false, true) {
		l.sink.Send(RemoteStreamReady{StreamID: track.StreamID()})
	}
}

// Called for every locally gathered ICE candidate. A nil candidate marks the
// end of gathering.
func (l *Link[ID]) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		l.logger.Debug("ICE candidate gathering finished")
		return
	}

	l.sink.Send(OutboundSignal{Payload: signal.Candidate{Candidate: candidate.ToJSON()}})
}

func (l *Link[ID]) onConnectionStateChanged(state webrtc.PeerConnectionState) {
	l.logger.Infof("connection state changed: %v", state)

	switch state {
	case webrtc.PeerConnectionStateFailed:
		l.sink.Send(Failed{Err: ErrConnectionFailed})
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		l.sink.Send(Closed{})
	}
}
