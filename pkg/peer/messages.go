package peer

import (
	"github.com/Math49/chat-client/pkg/signal"
)

// Due to the limitation of Go, we're using `interface{}` to be able to switch
// on the actual type of the message at runtime.
type EventContent = interface{}

// An outbound signaling payload that the owner must relay to the remote
// party. The link never talks to the transport itself.
type OutboundSignal struct {
	Payload signal.Payload
}

// Remote media started flowing. This is what gates the transition of the
// owning session to the active phase; completed signal exchange alone is not
// enough.
type RemoteStreamReady struct {
	StreamID string
}

// The underlying connection ended; the owner must tear the link down.
type Closed struct{}

// The underlying connection failed; the owner must tear the link down and
// surface the error upward.
type Failed struct {
	Err error
}
