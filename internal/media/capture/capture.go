// Package capture opens real camera, microphone and screen sources through
// pion/mediadevices. Only linux has drivers; elsewhere New fails and callers
// fall back to the synthetic device.
package capture

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Options bounds the captured video.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func (o Options) withDefaults() Options {
	if o.MaxWidth == 0 {
		o.MaxWidth = 640
	}
	if o.MaxHeight == 0 {
		o.MaxHeight = 480
	}
	if o.VideoBitRate == 0 {
		o.VideoBitRate = 1_500_000
	}
	return o
}

var (
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

var ErrUnsupported = errors.New("device capture is only available on linux")
