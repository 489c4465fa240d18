//go:build !linux || !cgo

package media

import "errors"

// Camera/microphone capture via pion/mediadevices needs platform-specific
// drivers that are only wired up for Linux here.
func NewDeviceProvider() (Provider, error) {
	return nil, errors.New("local media capture is not supported on this platform")
}
