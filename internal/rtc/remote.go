package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Sink receives every RTP packet read from a remote track. It runs on the
// track's reader goroutine.
type Sink func(peer string, track *RemoteTrack, pkt *rtp.Packet)

// RemoteTrack is one inbound track and its traffic counters.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	MimeType string

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newRemoteTrack(t *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		ID:       t.ID(),
		StreamID: t.StreamID(),
		Kind:     t.Kind(),
		MimeType: t.Codec().MimeType,
	}
}

func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }

func (t *RemoteTrack) Bytes() uint64 { return t.bytes.Load() }

// RemoteStream is the media received from one peer.
type RemoteStream struct {
	Peer string

	mu     sync.RWMutex
	tracks []*RemoteTrack
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) Packets() uint64 {
	var n uint64
	for _, t := range s.Tracks() {
		n += t.Packets()
	}
	return n
}

func (s *RemoteStream) Bytes() uint64 {
	var n uint64
	for _, t := range s.Tracks() {
		n += t.Bytes()
	}
	return n
}

// readRemote drains a remote track until its connection closes.
func readRemote(peer string, rt *RemoteTrack, track *webrtc.TrackRemote, sink Sink) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		rt.packets.Add(1)
		rt.bytes.Add(uint64(len(pkt.Payload)))
		if sink != nil {
			sink(peer, rt, pkt)
		}
	}
}
