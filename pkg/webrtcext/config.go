package webrtcext

// Configuration of the WebRTC stack.
type Config struct {
	// STUN server URIs handed to every peer connection. No TURN relay is
	// assumed, so calls across restrictive NATs may fail to connect.
	ICEServers []string `yaml:"iceServers"`
}
