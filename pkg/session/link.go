package session

import (
	"fmt"

	"github.com/Math49/chat-client/pkg/channel"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/peer"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/Math49/chat-client/pkg/webrtcext"
	"github.com/sirupsen/logrus"
)

// Link is one point-to-point connection owned by a session. Implemented by
// *peer.Link in production; tests substitute fakes.
type Link interface {
	InjectSignal(payload signal.Payload) error
	Destroy()
}

// Parameters for creating a link to one remote party.
type LinkParams struct {
	RemoteID    string
	DisplayName string
	Initiator   bool
	LocalStream media.Stream
}

// LinkFactory creates links on behalf of a session. Events of the created
// link must be posted to the given sink.
type LinkFactory interface {
	CreateLink(params LinkParams, events *channel.MessageSink[string, peer.EventContent]) (Link, error)
}

// WebRTCLinkFactory creates real links over pre-configured pion peer
// connections.
type WebRTCLinkFactory struct {
	connections *webrtcext.PeerConnectionFactory
}

func NewWebRTCLinkFactory(connections *webrtcext.PeerConnectionFactory) *WebRTCLinkFactory {
	return &WebRTCLinkFactory{connections: connections}
}

func (f *WebRTCLinkFactory) CreateLink(
	params LinkParams,
	events *channel.MessageSink[string, peer.EventContent],
) (Link, error) {
	connection, err := f.connections.CreatePeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	logger := logrus.WithFields(logrus.Fields{
		"peer_id":   params.RemoteID,
		"initiator": params.Initiator,
	})

	link, err := peer.NewLink(connection, peer.Params{
		DisplayName: params.DisplayName,
		Initiator:   params.Initiator,
		LocalStream: params.LocalStream,
	}, events, logger)
	if err != nil {
		return nil, err
	}

	return link, nil
}
