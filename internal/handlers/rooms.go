package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxParticipants = 8
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// Rooms serves the room management API.
type Rooms struct {
	store store.Store
	hub   *Hub
}

func NewRooms(s store.Store, hub *Hub) *Rooms {
	return &Rooms{store: s, hub: hub}
}

// CreateRoom creates a new room (requires authentication)
func (h *Rooms) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		Name:            req.Name,
		CreatorID:       userID,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
	}
	if room.Name == "" {
		room.Name = "Room " + room.Code
	}

	if err := h.store.SaveRoom(c.Request.Context(), room); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	log.Info().Str("room", room.ID).Str("code", room.Code).Str("user", userID).Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
		Room:   room,
	})
}

// lookup resolves the :roomId parameter, answering 404 itself.
func (h *Rooms) lookup(c *gin.Context) (*models.RoomMetadata, bool) {
	room, err := h.store.Room(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("room", c.Param("roomId")).Msg("room lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	count, err := h.store.PeerCount(c.Request.Context(), room.ID)
	if err == nil {
		room.ParticipantCount = count
	}
	return room, true
}

// GetRoom gets room information by code or ID (public)
func (h *Rooms) GetRoom(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.RoomInfoResponse{Room: *room})
}

// RoomExists reports whether a room is registered or currently live.
func (h *Rooms) RoomExists(c *gin.Context) {
	id := c.Param("roomId")
	_, err := h.store.Room(c.Request.Context(), id)
	exists := err == nil || h.hub.Live(id)
	c.JSON(http.StatusOK, models.RoomExistsResponse{Exists: exists})
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Rooms) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), *room); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	log.Info().Str("room", room.ID).Str("user", userID).Msg("room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, store.CodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
