package peer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Math49/chat-client/pkg/channel"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrCantSetRemoteDescription  = errors.New("can't set remote description")
	ErrCantCreateOffer           = errors.New("can't create offer")
	ErrCantCreateAnswer          = errors.New("can't create answer")
	ErrCantSetLocalDescription   = errors.New("can't set local description")
	ErrCantAddCandidate          = errors.New("can't add ICE candidate")
	ErrUnexpectedControlPayload  = errors.New("control payload must be handled by the owner")
	ErrUnexpectedDescriptionType = errors.New("unexpected session description type")
)

// Construction parameters for a link.
type Params struct {
	DisplayName string
	// Whether we generate the original offer for this connection.
	Initiator bool
	// Local capture shared across all links of a session. May be nil when
	// the client joins receive-only.
	LocalStream media.Stream
}

// A wrapped representation of one point-to-point connection to a single
// remote party. The link gets information about the things happening outside
// via public methods and informs its owner about the things happening inside
// by posting events to the sink.
type Link[ID comparable] struct {
	logger     *logrus.Entry
	connection *webrtc.PeerConnection
	sink       *channel.MessageSink[ID, EventContent]
	initiator  bool

	destroyed atomic.Bool

	// Remote candidates received before the remote description is applied
	// are held back; pion rejects them otherwise.
	candidateMutex    sync.Mutex
	remoteDescription bool
	heldCandidates    []webrtc.ICECandidateInit

	streamAnnounced atomic.Bool
}

// Instantiates a new link over the given (pre-configured) peer connection.
// When we are the initiator, local tracks are attached and the original offer
// is generated and posted to the sink right away.
func NewLink[ID comparable](
	connection *webrtc.PeerConnection,
	params Params,
	sink *channel.MessageSink[ID, EventContent],
	logger *logrus.Entry,
) (*Link[ID], error) {
	link := &Link[ID]{
		logger:     logger,
		connection: connection,
		sink:       sink,
		initiator:  params.Initiator,
	}

	link.attachLocalTracks(params.LocalStream)

	connection.OnTrack(link.onTrackReceived)
	connection.OnICECandidate(link.onICECandidateGathered)
	connection.OnConnectionStateChange(link.onConnectionStateChanged)

	if params.Initiator {
		if err := link.sendOffer(); err != nil {
			link.Destroy()
			return nil, err
		}
	}

	return link, nil
}

// Forwards a decoded signaling payload to the underlying connection. Control
// payloads never reach this point; they are intercepted by the owning session
// beforehand.
func (l *Link[ID]) InjectSignal(payload signal.Payload) error {
	switch p := payload.(type) {
	case signal.SDP:
		switch p.Description.Type {
		case webrtc.SDPTypeOffer:
			return l.processOffer(p.Description)
		case webrtc.SDPTypeAnswer:
			return l.processAnswer(p.Description)
		default:
			return ErrUnexpectedDescriptionType
		}
	case signal.Candidate:
		return l.addCandidate(p.Candidate)
	default:
		return ErrUnexpectedControlPayload
	}
}

// Closes the underlying connection and seals the sink so that no further
// events reach the owner. Safe to call multiple times; errors during
// destruction are swallowed since late-stage teardown races are expected.
func (l *Link[ID]) Destroy() {
	if !l.destroyed.CompareAndSwap(false, true) {
		return
	}

	if err := l.connection.Close(); err != nil {
		l.logger.WithError(err).Debug("failed to close peer connection")
	}

	l.sink.Seal()
}

func (l *Link[ID]) attachLocalTracks(stream media.Stream) {
	if stream == nil {
		return
	}

	for _, track := range stream.Tracks() {
		local, ok := track.(media.LocalTrack)
		if !ok {
			continue
		}
		if _, err := l.connection.AddTrack(local.RTPTrack()); err != nil {
			l.logger.WithError(err).WithField("track_id", track.ID()).Error("failed to attach local track")
		}
	}
}

// Generates the original SDP offer and posts it to the sink.
func (l *Link[ID]) sendOffer() error {
	offer, err := l.connection.CreateOffer(nil)
	if err != nil {
		l.logger.WithError(err).Error("failed to create offer")
		return ErrCantCreateOffer
	}

	if err := l.connection.SetLocalDescription(offer); err != nil {
		l.logger.WithError(err).Error("failed to set local description")
		return ErrCantSetLocalDescription
	}

	l.sink.Send(OutboundSignal{Payload: signal.SDP{Description: offer}})
	return nil
}

// Applies the SDP offer received from the remote party and posts the answer.
func (l *Link[ID]) processOffer(offer webrtc.SessionDescription) error {
	if err := l.connection.SetRemoteDescription(offer); err != nil {
		l.logger.WithError(err).Error("failed to set remote description")
		return ErrCantSetRemoteDescription
	}

	l.releaseHeldCandidates()

	answer, err := l.connection.CreateAnswer(nil)
	if err != nil {
		l.logger.WithError(err).Error("failed to create answer")
		return ErrCantCreateAnswer
	}

	if err := l.connection.SetLocalDescription(answer); err != nil {
		l.logger.WithError(err).Error("failed to set local description")
		return ErrCantSetLocalDescription
	}

	l.sink.Send(OutboundSignal{Payload: signal.SDP{Description: answer}})
	return nil
}

// Applies the SDP answer received from the remote party.
func (l *Link[ID]) processAnswer(answer webrtc.SessionDescription) error {
	if err := l.connection.SetRemoteDescription(answer); err != nil {
		l.logger.WithError(err).Error("failed to set remote description")
		return ErrCantSetRemoteDescription
	}

	l.releaseHeldCandidates()
	return nil
}

func (l *Link[ID]) addCandidate(candidate webrtc.ICECandidateInit) error {
	l.candidateMutex.Lock()
	if !l.remoteDescription {
		l.heldCandidates = append(l.heldCandidates, candidate)
		l.candidateMutex.Unlock()
		return nil
	}
	l.candidateMutex.Unlock()

	if err := l.connection.AddICECandidate(candidate); err != nil {
		l.logger.WithError(err).Error("failed to add ICE candidate")
		return ErrCantAddCandidate
	}

	return nil
}

// Applies the candidates that arrived before the remote description did.
func (l *Link[ID]) releaseHeldCandidates() {
	l.candidateMutex.Lock()
	held := l.heldCandidates
	l.heldCandidates = nil
	l.remoteDescription = true
	l.candidateMutex.Unlock()

	for _, candidate := range held {
		if err := l.connection.AddICECandidate(candidate); err != nil {
			l.logger.WithError(err).Error("failed to add held ICE candidate")
		}
	}
}
