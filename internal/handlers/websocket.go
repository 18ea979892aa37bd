package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// liveRoom is a room with at least one connected member.
type liveRoom struct {
	meta      models.RoomMetadata
	createdAt time.Time
	members   []*Client // join order
}

func (r *liveRoom) view() models.Room {
	users := make([]models.User, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, m.user)
	}
	return models.Room{
		ID:        r.meta.ID,
		Name:      r.meta.Name,
		Users:     users,
		CreatedAt: r.createdAt,
		IsActive:  true,
	}
}

func (r *liveRoom) member(socketID string) *Client {
	for _, m := range r.members {
		if m.ID == socketID {
			return m
		}
	}
	return nil
}

func (r *liveRoom) remove(c *Client) {
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// Client represents a WebSocket client connection. ID is its transport id.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	hub       *Hub
	accountID string
	logger    zerolog.Logger

	// guarded by hub.mu
	roomID string
	user   models.User
}

// Hub relays the signaling event table between the members of each room.
type Hub struct {
	store     store.Store
	jwtSecret string

	mu    sync.Mutex
	rooms map[string]*liveRoom
}

func NewHub(s store.Store, jwtSecret string) *Hub {
	return &Hub{
		store:     s,
		jwtSecret: jwtSecret,
		rooms:     make(map[string]*liveRoom),
	}
}

// Live reports whether a room with id has connected members.
func (h *Hub) Live(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[id]
	return ok
}

// HandleSignaling upgrades the request and serves one signaling connection.
// A bearer token, when present, fixes the participant id to its user_id.
func (h *Hub) HandleSignaling(c *gin.Context) {
	var accountID string
	if token, err := middleware.BearerToken(c); err == nil {
		claims, err := middleware.ParseToken(h.jwtSecret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		accountID = claims.UserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		hub:       h,
		accountID: accountID,
	}
	client.logger = log.With().Str("component", "relay").Str("peer", client.ID).Logger()
	client.logger.Debug().Str("account", accountID).Msg("connection opened")

	go client.writePump()
	go client.readPump()
}

func encode(event string, payload any) []byte {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal message")
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal message")
		return nil
	}
	return data
}

func (c *Client) deliver(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.logger.Warn().Msg("send buffer full, dropping message")
	}
}

func (c *Client) sendEvent(event string, payload any) {
	c.deliver(encode(event, payload))
}

func (c *Client) sendError(msg string) {
	c.sendEvent(models.EventError, models.ErrorPayload{Message: msg})
}

// broadcastLocked sends to every member of room except skip.
func broadcastLocked(room *liveRoom, skip *Client, event string, payload any) {
	data := encode(event, payload)
	for _, m := range room.members {
		if m != skip {
			m.deliver(data)
		}
	}
}

func (h *Hub) join(c *Client, p models.JoinRoomPayload) {
	if p.RoomID == "" {
		c.sendError("roomId is required")
		return
	}
	h.leave(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	meta, err := h.store.Room(ctx, p.RoomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// unregistered rooms are created on first join
		meta = &models.RoomMetadata{ID: p.RoomID, Name: p.RoomID}
	case err != nil:
		c.logger.Error().Err(err).Str("room", p.RoomID).Msg("room lookup failed")
		c.sendError("Failed to load room")
		return
	}

	name := p.UserName
	if name == "" {
		name = "Guest"
	}
	participantID := c.accountID
	if participantID == "" {
		participantID = uuid.New().String()
	}

	h.mu.Lock()
	room := h.rooms[meta.ID]
	if room == nil {
		room = &liveRoom{meta: *meta, createdAt: time.Now().UTC()}
		h.rooms[meta.ID] = room
		log.Info().Str("room", meta.ID).Msg("room opened")
	}
	if meta.MaxParticipants > 0 && len(room.members) >= meta.MaxParticipants {
		if len(room.members) == 0 {
			delete(h.rooms, meta.ID)
		}
		h.mu.Unlock()
		c.sendError("Room is full")
		return
	}
	c.roomID = meta.ID
	c.user = models.User{
		ID:        participantID,
		Name:      name,
		IsVideoOn: true,
		IsAudioOn: true,
		SocketID:  c.ID,
	}
	room.members = append(room.members, c)
	view := room.view()
	c.sendEvent(models.EventJoinedRoom, models.JoinedRoomPayload{Room: view, User: c.user})
	broadcastLocked(room, c, models.EventUserJoined, models.UserJoinedPayload{User: c.user, Room: view})
	broadcastLocked(room, nil, models.EventUsersList, models.UsersListPayload{Users: view.Users})
	count := len(room.members)
	h.mu.Unlock()

	if err := h.store.AddPeer(ctx, meta.ID, c.ID); err != nil {
		c.logger.Warn().Err(err).Msg("failed to record presence")
	}
	c.logger.Info().Str("room", meta.ID).Str("name", name).Int("members", count).Msg("joined room")
}

// leave removes c from its room and tells the remaining members.
func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	room := h.rooms[c.roomID]
	if room == nil {
		c.roomID = ""
		h.mu.Unlock()
		return
	}
	roomID := c.roomID
	room.remove(c)
	c.roomID = ""
	if len(room.members) == 0 {
		delete(h.rooms, roomID)
	} else {
		view := room.view()
		leftID := c.user.ID
		for _, m := range room.members {
			if m.user.ID == leftID {
				// the participant is still here on a newer connection
				leftID = c.ID
				break
			}
		}
		broadcastLocked(room, nil, models.EventUserLeft, models.UserLeftPayload{UserID: leftID, Room: view})
		broadcastLocked(room, nil, models.EventUsersList, models.UsersListPayload{Users: view.Users})
	}
	empty := len(room.members) == 0
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.RemovePeer(ctx, roomID, c.ID); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear presence")
	}
	c.logger.Info().Str("room", roomID).Msg("left room")
	if empty {
		log.Info().Str("room", roomID).Msg("room closed")
	}
}

// inRoomLocked returns c's room, or nil after telling c it has not joined.
func (h *Hub) inRoomLocked(c *Client) *liveRoom {
	room := h.rooms[c.roomID]
	if room == nil {
		c.sendError("Not in a room")
	}
	return room
}

func (h *Hub) updateSelf(c *Client, event string, apply func(*models.User), payload func(models.User) any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.inRoomLocked(c)
	if room == nil {
		return
	}
	apply(&c.user)
	broadcastLocked(room, nil, event, payload(c.user))
}

// forward relays an offer, answer or candidate to targetUserId with
// fromUserId set to the sender.
func (h *Hub) forward(c *Client, event string, data json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		c.sendError("Invalid " + event + " payload")
		return
	}
	var target string
	if raw, ok := fields["targetUserId"]; ok {
		_ = json.Unmarshal(raw, &target)
	}
	from, _ := json.Marshal(c.ID)
	fields["fromUserId"] = from
	delete(fields, "targetUserId")

	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.inRoomLocked(c)
	if room == nil {
		return
	}
	dst := room.member(target)
	if dst == nil {
		c.logger.Debug().Str("target", target).Str("event", event).Msg("target not in room")
		return
	}
	dst.deliver(encode(event, fields))
}

func (h *Hub) dispatch(c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventJoinRoom:
		var p models.JoinRoomPayload
		if json.Unmarshal(env.Data, &p) != nil {
			c.sendError("Invalid join-room payload")
			return
		}
		h.join(c, p)

	case models.EventToggleVideo:
		var p models.ToggleVideoPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.updateSelf(c, models.EventUserVideoToggled,
			func(u *models.User) { u.IsVideoOn = p.IsVideoOn },
			func(u models.User) any {
				return models.UserVideoToggledPayload{UserID: u.SocketID, IsVideoOn: u.IsVideoOn}
			})

	case models.EventToggleAudio:
		var p models.ToggleAudioPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.updateSelf(c, models.EventUserAudioToggled,
			func(u *models.User) { u.IsAudioOn = p.IsAudioOn },
			func(u models.User) any {
				return models.UserAudioToggledPayload{UserID: u.SocketID, IsAudioOn: u.IsAudioOn}
			})

	case models.EventRaiseHand:
		var p models.RaiseHandPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.updateSelf(c, models.EventUserHandRaised,
			func(u *models.User) { u.IsHandRaised = p.IsHandRaised },
			func(u models.User) any {
				return models.UserHandRaisedPayload{UserID: u.SocketID, IsHandRaised: u.IsHandRaised}
			})

	case models.EventSendReaction:
		var p models.SendReactionPayload
		if json.Unmarshal(env.Data, &p) != nil || p.Emoji == "" {
			return
		}
		now := time.Now().UTC()
		h.updateSelf(c, models.EventUserReaction,
			func(u *models.User) { u.LastReaction = &models.LastReaction{Emoji: p.Emoji, Timestamp: now} },
			func(u models.User) any {
				return models.UserReactionPayload{UserID: u.SocketID, UserName: u.Name, Emoji: p.Emoji, Timestamp: now}
			})

	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		h.forward(c, env.Event, env.Data)

	case models.EventChatMessage:
		var p models.ChatMessagePayload
		if json.Unmarshal(env.Data, &p) != nil || p.Message == "" {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		room := h.inRoomLocked(c)
		if room == nil {
			return
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now().UTC()
		}
		p.RoomID = room.meta.ID
		p.UserID = c.user.ID
		p.UserName = c.user.Name
		broadcastLocked(room, c, models.EventChatMessage, p)

	default:
		c.logger.Debug().Str("event", env.Event).Msg("unknown event")
		c.sendError("Unknown event: " + env.Event)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		close(c.Send)
		c.Conn.Close()
		c.logger.Debug().Msg("connection closed")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.logger.Debug().Err(err).Msg("failed to parse message")
			c.sendError("Invalid message")
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
