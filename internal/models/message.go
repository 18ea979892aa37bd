package models

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Event names of the signaling channel. C = client emitted, S = server emitted.
const (
	EventJoinRoom         = "join-room"          // C
	EventJoinedRoom       = "joined-room"        // S
	EventUserJoined       = "user-joined"        // S
	EventUserLeft         = "user-left"          // S
	EventUsersList        = "users-list"         // S
	EventToggleVideo      = "toggle-video"       // C
	EventToggleAudio      = "toggle-audio"       // C
	EventUserVideoToggled = "user-video-toggled" // S
	EventUserAudioToggled = "user-audio-toggled" // S
	EventRaiseHand        = "raise-hand"         // C
	EventUserHandRaised   = "user-hand-raised"   // S
	EventSendReaction     = "send-reaction"      // C
	EventUserReaction     = "user-reaction"      // S
	EventOffer            = "offer"              // C & S
	EventAnswer           = "answer"             // C & S
	EventICECandidate     = "ice-candidate"      // C & S
	EventChatMessage      = "chat-message"       // C & S
	EventError            = "error"              // S
)

// Envelope is one websocket text frame on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type JoinedRoomPayload struct {
	Room Room `json:"room"`
	User User `json:"user"`
}

type UserJoinedPayload struct {
	User User `json:"user"`
	Room Room `json:"room"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
	Room   Room   `json:"room"`
}

type UsersListPayload struct {
	Users []User `json:"users"`
}

type ToggleVideoPayload struct {
	RoomID    string `json:"roomId"`
	IsVideoOn bool   `json:"isVideoOn"`
}

type ToggleAudioPayload struct {
	RoomID    string `json:"roomId"`
	IsAudioOn bool   `json:"isAudioOn"`
}

type UserVideoToggledPayload struct {
	UserID    string `json:"userId"`
	IsVideoOn bool   `json:"isVideoOn"`
}

type UserAudioToggledPayload struct {
	UserID    string `json:"userId"`
	IsAudioOn bool   `json:"isAudioOn"`
}

type RaiseHandPayload struct {
	RoomID       string `json:"roomId"`
	IsHandRaised bool   `json:"isHandRaised"`
}

type UserHandRaisedPayload struct {
	UserID       string `json:"userId"`
	IsHandRaised bool   `json:"isHandRaised"`
}

type SendReactionPayload struct {
	RoomID string `json:"roomId"`
	Emoji  string `json:"emoji"`
}

type UserReactionPayload struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// OfferPayload travels client to server with RoomID and TargetUserID set, and
// server to client with FromUserID set. User ids here are transport ids.
type OfferPayload struct {
	RoomID       string                    `json:"roomId,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	TargetUserID string                    `json:"targetUserId"`
}

type AnswerPayload struct {
	RoomID       string                    `json:"roomId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	TargetUserID string                    `json:"targetUserId"`
}

type ICECandidatePayload struct {
	RoomID       string                  `json:"roomId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	FromUserID   string                  `json:"fromUserId,omitempty"`
	TargetUserID string                  `json:"targetUserId"`
}

type ChatMessagePayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId,omitempty"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Data = data
	return env, nil
}
