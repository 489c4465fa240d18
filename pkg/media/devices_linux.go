//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// Capture provider backed by pion/mediadevices (V4L2 camera + malgo
// microphone on Linux). Encodes with VP8 and Opus.
type deviceProvider struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceProvider() (Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &deviceProvider{selector: selector}, nil
}

func (p *deviceProvider) GetStream(ctx context.Context, constraints Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	request := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if constraints.Audio {
		request.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	if constraints.Video {
		request.Video = func(*mediadevices.MediaTrackConstraints) {}
	}

	captured, err := mediadevices.GetUserMedia(request)
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	return &deviceStream{inner: captured}, nil
}

// Maps the free-form errors of the capture stack onto the distinguished
// taxonomy that the session and the UI layer understand.
func classifyCaptureError(err error) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "permission") || strings.Contains(message, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(message, "busy") || strings.Contains(message, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(message, "not found") || strings.Contains(message, "no device"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
}

type deviceStream struct {
	inner mediadevices.MediaStream
}

func (s *deviceStream) Tracks() []Track {
	var tracks []Track
	for _, t := range s.inner.GetAudioTracks() {
		tracks = append(tracks, &deviceTrack{inner: t, kind: KindAudio})
	}
	for _, t := range s.inner.GetVideoTracks() {
		tracks = append(tracks, &deviceTrack{inner: t, kind: KindVideo})
	}
	return tracks
}

type deviceTrack struct {
	inner mediadevices.Track
	kind  Kind
}

func (t *deviceTrack) ID() string {
	return t.inner.ID()
}

func (t *deviceTrack) Kind() Kind {
	return t.kind
}

func (t *deviceTrack) Stop() {
	// Closing an already closed device track only returns an error.
	_ = t.inner.Close()
}

func (t *deviceTrack) RTPTrack() webrtc.TrackLocal {
	return t.inner
}
