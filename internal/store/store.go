// Package store keeps the relay's room metadata and presence.
package store

import (
	"context"
	"errors"

	"github.com/mossy-p/webrtc-meet/internal/models"
)

var ErrNotFound = errors.New("room not found")

// CodeLength is the length of a shareable room code. Identifiers of this
// length are looked up as codes first.
const CodeLength = 6

// Store persists registered rooms and the transport ids present in them.
type Store interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	// Room resolves a room id or code.
	Room(ctx context.Context, idOrCode string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error

	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	PeerCount(ctx context.Context, roomID string) (int, error)

	Close() error
}
