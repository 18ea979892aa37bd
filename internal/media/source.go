// Package media owns local capture: camera and microphone tracks, screen
// sharing, and the single outbound stream every peer link sends.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no device available")
	ErrSourceEnded      = errors.New("source ended")
)

// MediaAccessError reports a failed capture request. The manager's state is
// unchanged when one is returned.
type MediaAccessError struct {
	Op   string
	Kind string
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// Source produces encoded samples for one track. ReadSample blocks until the
// next sample; an error that is not caused by Close means the source ended
// out of band (device unplugged, sharing stopped from the OS).
type Source interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	ReadSample() (pionmedia.Sample, error)
	Close() error
}

// Device opens capture sources.
type Device interface {
	UserMedia(ctx context.Context, kind webrtc.RTPCodecType) (Source, error)
	DisplayMedia(ctx context.Context) (Source, error)
}

func kindName(kind webrtc.RTPCodecType) string {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return "video"
	case webrtc.RTPCodecTypeAudio:
		return "audio"
	}
	return "unknown"
}
