//go:build !linux

package capture

import "github.com/mossy-p/webrtc-meet/internal/media"

func New(Options) (media.Device, error) {
	return nil, ErrUnsupported
}
