package call

import (
	"time"

	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/rtc"
)

// Participant is one member of the room. TransportID is the signaling
// connection id links are keyed by.
type Participant struct {
	ID           string    `json:"id"`
	TransportID  string    `json:"transportId"`
	Name         string    `json:"name"`
	VideoEnabled bool      `json:"videoEnabled"`
	AudioEnabled bool      `json:"audioEnabled"`
	HandRaised   bool      `json:"handRaised"`
	LastReaction *Reaction `json:"lastReaction,omitempty"`
}

type Reaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type RemoteTrackInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Codec   string `json:"codec"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

type RemoteStreamInfo struct {
	TransportID   string            `json:"transportId"`
	ParticipantID string            `json:"participantId,omitempty"`
	Name          string            `json:"name,omitempty"`
	Tracks        []RemoteTrackInfo `json:"tracks"`
}

// Snapshot is the reconciled view handed to the UI layer.
type Snapshot struct {
	Connected     bool               `json:"connected"`
	Joined        bool               `json:"joined"`
	RoomID        string             `json:"roomId,omitempty"`
	RoomName      string             `json:"roomName,omitempty"`
	Self          *Participant       `json:"self,omitempty"`
	Participants  []Participant      `json:"participants"`
	Media         media.State        `json:"media"`
	MediaError    string             `json:"mediaError,omitempty"`
	RemoteStreams []RemoteStreamInfo `json:"remoteStreams"`
	Links         []rtc.LinkInfo     `json:"links"`
	Reactions     []Reaction         `json:"reactions"`
	Chat          []ChatMessage      `json:"chat"`
	LastError     string             `json:"lastError,omitempty"`
}
