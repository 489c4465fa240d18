package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Distinguished capture failures. The UI layer renders specific guidance for
// each of these, so a provider must map its native errors onto this taxonomy.
var (
	ErrPermissionDenied  = errors.New("media capture permission denied")
	ErrDeviceUnavailable = errors.New("media capture device unavailable")
	ErrDeviceBusy        = errors.New("media capture device busy")
	ErrCaptureFailed     = errors.New("media capture failed")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints describe which capture kinds are requested from the provider.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is a single captured audio or video track.
type Track interface {
	ID() string
	Kind() Kind
	// Stop releases the underlying device resource. Must be safe to call on
	// an already stopped track.
	Stop()
}

// LocalTrack is a track that can be attached to a peer connection for
// transmission to a remote party.
type LocalTrack interface {
	Track
	RTPTrack() webrtc.TrackLocal
}

// Stream is a set of tracks captured together.
type Stream interface {
	Tracks() []Track
}

// Provider produces local capture streams. The session treats it as an
// opaque asynchronous operation that can fail with one of the distinguished
// errors above.
type Provider interface {
	GetStream(ctx context.Context, constraints Constraints) (Stream, error)
}
