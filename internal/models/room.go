package models

import "time"

// User is one participant as the signaling server describes it. ID is the
// stable participant id, SocketID the current transport id.
type User struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	IsVideoOn    bool          `json:"isVideoOn"`
	IsAudioOn    bool          `json:"isAudioOn"`
	SocketID     string        `json:"socketId"`
	IsHandRaised bool          `json:"isHandRaised,omitempty"`
	LastReaction *LastReaction `json:"lastReaction,omitempty"`
}

type LastReaction struct {
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// Room is the live room view carried by presence events.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Users     []User    `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
	IsActive  bool      `json:"isActive"`
}

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"` // Short, shareable room code (e.g., "ABCD23")
	Name             string    `json:"name"`
	CreatorID        string    `json:"creatorId"`
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

type CreateRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

type CreateRoomResponse struct {
	RoomID string       `json:"roomId"`
	Code   string       `json:"code"`
	Room   RoomMetadata `json:"room"`
}

type RoomExistsResponse struct {
	Exists bool `json:"exists"`
}

type RoomInfoResponse struct {
	Room RoomMetadata `json:"room"`
}
