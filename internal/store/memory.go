package store

import (
	"context"
	"sync"

	"github.com/mossy-p/webrtc-meet/internal/models"
)

// Memory is a process-local Store for runs without Redis.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]models.RoomMetadata
	codes map[string]string
	peers map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]models.RoomMetadata),
		codes: make(map[string]string),
		peers: make(map[string]map[string]struct{}),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) SaveRoom(_ context.Context, room models.RoomMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	if room.Code != "" {
		s.codes[room.Code] = room.ID
	}
	return nil
}

func (s *Memory) Room(_ context.Context, idOrCode string) (*models.RoomMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := idOrCode
	if byCode, ok := s.codes[idOrCode]; ok && len(idOrCode) == CodeLength {
		id = byCode
	}
	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (s *Memory) DeleteRoom(_ context.Context, room models.RoomMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room.ID)
	delete(s.codes, room.Code)
	delete(s.peers, room.ID)
	return nil
}

func (s *Memory) AddPeer(_ context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.peers[roomID]
	if set == nil {
		set = make(map[string]struct{})
		s.peers[roomID] = set
	}
	set[peerID] = struct{}{}
	return nil
}

func (s *Memory) RemovePeer(_ context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers[roomID], peerID)
	if len(s.peers[roomID]) == 0 {
		delete(s.peers, roomID)
	}
	return nil
}

func (s *Memory) PeerCount(_ context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers[roomID]), nil
}
