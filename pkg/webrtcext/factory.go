package webrtcext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnectionFactory constructs pre-configured peer connections: default
// codecs, default interceptors and the injected ICE server set.
type PeerConnectionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	configuration := webrtc.Configuration{}
	if len(config.ICEServers) > 0 {
		configuration.ICEServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	return &PeerConnectionFactory{api: api, configuration: configuration}, nil
}

// Creates a new peer connection with the factory's configuration.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.configuration)
}
