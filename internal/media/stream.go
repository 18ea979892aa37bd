package media

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Stream is an immutable set of local tracks. Changing a track produces a new
// Stream; track objects that did not change are carried over as-is.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	s := &Stream{id: uuid.NewString()}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

func (s *Stream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) VideoTracks() []*Track { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) AudioTracks() []*Track { return s.ofKind(webrtc.RTPCodecTypeAudio) }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind webrtc.RTPCodecType) *Track {
	if tracks := s.ofKind(kind); len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []*Track {
	if s == nil {
		return nil
	}
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
