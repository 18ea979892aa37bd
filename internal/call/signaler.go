package call

import (
	"sync"

	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/pion/webrtc/v4"
)

// RoomSignaler sends peer connection signaling through the gateway, tagged
// with the room the coordinator has joined.
type RoomSignaler struct {
	gw Gateway

	mu     sync.RWMutex
	roomID string
}

func NewRoomSignaler(gw Gateway) *RoomSignaler {
	return &RoomSignaler{gw: gw}
}

func (s *RoomSignaler) setRoom(id string) {
	s.mu.Lock()
	s.roomID = id
	s.mu.Unlock()
}

func (s *RoomSignaler) room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *RoomSignaler) SendOffer(peer string, offer webrtc.SessionDescription) error {
	return s.gw.Send(models.EventOffer, models.OfferPayload{
		RoomID:       s.room(),
		Offer:        offer,
		TargetUserID: peer,
	})
}

func (s *RoomSignaler) SendAnswer(peer string, answer webrtc.SessionDescription) error {
	return s.gw.Send(models.EventAnswer, models.AnswerPayload{
		RoomID:       s.room(),
		Answer:       answer,
		TargetUserID: peer,
	})
}

func (s *RoomSignaler) SendCandidate(peer string, candidate webrtc.ICECandidateInit) error {
	return s.gw.Send(models.EventICECandidate, models.ICECandidatePayload{
		RoomID:       s.room(),
		Candidate:    candidate,
		TargetUserID: peer,
	})
}
