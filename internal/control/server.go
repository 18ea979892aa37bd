// Package control exposes a running call to a local UI over HTTP and a
// websocket snapshot stream.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-meet/internal/call"
	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	tokenTTL   = 12 * time.Hour
	opTimeout  = 15 * time.Second
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Session is the call surface the API drives.
type Session interface {
	State() call.Snapshot
	Subscribe(fn func(call.Snapshot)) (cancel func())
	JoinRoom(ctx context.Context, roomID, userName string) error
	LeaveRoom(ctx context.Context) error
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleAudio(ctx context.Context) (bool, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	RaiseHand() (bool, error)
	SendReaction(emoji string) error
	SendChat(text string) (call.ChatMessage, error)
}

// Rooms is the room directory used to validate and create rooms before
// joining. Optional.
type Rooms interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int) (*models.CreateRoomResponse, error)
	RoomExists(ctx context.Context, id string) bool
}

type Options struct {
	Session Session
	Rooms   Rooms
	// Secret signs API tokens and is the key exchanged for one.
	Secret string
	// DefaultUserName is used by joins that do not name the user.
	DefaultUserName string
}

type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("component", "control").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/auth/token", middleware.APIKey(s.opts.Secret), s.issueToken)

	auth := middleware.JWTAuth(s.opts.Secret)
	api := r.Group("/api", auth)
	{
		api.GET("/state", s.state)
		api.POST("/rooms", s.createRoom)
		api.POST("/room/join", s.join)
		api.POST("/room/leave", s.leave)
		api.POST("/media/video", s.toggleVideo)
		api.POST("/media/audio", s.toggleAudio)
		api.POST("/media/screen", s.startScreen)
		api.DELETE("/media/screen", s.stopScreen)
		api.POST("/hand", s.raiseHand)
		api.POST("/reactions", s.reaction)
		api.POST("/chat", s.chat)
	}
	r.GET("/ws/state", auth, s.stream)
	return r
}

func (s *Server) issueToken(c *gin.Context) {
	token, err := middleware.IssueToken(s.opts.Secret, "local-ui", tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Session.State())
}

// fail maps session errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var sigErr *signaling.SignalingError
	switch {
	case errors.Is(err, call.ErrNotJoined):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &sigErr):
		status = http.StatusBadGateway
	}
	s.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), opTimeout)
}

type createRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

func (s *Server) createRoom(c *gin.Context) {
	if s.opts.Rooms == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "No room directory configured"})
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := opContext(c)
	defer cancel()
	created, err := s.opts.Rooms.CreateRoom(ctx, req.Name, req.MaxParticipants)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type joinRequest struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

// join enters roomId. Without a room id a new room is created first when a
// room directory is configured.
func (s *Server) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.UserName == "" {
		req.UserName = s.opts.DefaultUserName
	}
	ctx, cancel := opContext(c)
	defer cancel()

	switch {
	case req.RoomID == "" && s.opts.Rooms != nil:
		created, err := s.opts.Rooms.CreateRoom(ctx, "", 0)
		if err != nil {
			s.fail(c, err)
			return
		}
		req.RoomID = created.RoomID
	case req.RoomID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	case s.opts.Rooms != nil && !s.opts.Rooms.RoomExists(ctx, req.RoomID):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if err := s.opts.Session.JoinRoom(ctx, req.RoomID, req.UserName); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.opts.Session.State())
}

func (s *Server) leave(c *gin.Context) {
	ctx, cancel := opContext(c)
	defer cancel()
	if err := s.opts.Session.LeaveRoom(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.opts.Session.State())
}

func (s *Server) toggle(c *gin.Context, fn func(context.Context) (bool, error)) {
	ctx, cancel := opContext(c)
	defer cancel()
	enabled, err := fn(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (s *Server) toggleVideo(c *gin.Context) { s.toggle(c, s.opts.Session.ToggleVideo) }
func (s *Server) toggleAudio(c *gin.Context) { s.toggle(c, s.opts.Session.ToggleAudio) }

func (s *Server) startScreen(c *gin.Context) {
	ctx, cancel := opContext(c)
	defer cancel()
	if err := s.opts.Session.StartScreenShare(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.opts.Session.State().Media)
}

func (s *Server) stopScreen(c *gin.Context) {
	ctx, cancel := opContext(c)
	defer cancel()
	if err := s.opts.Session.StopScreenShare(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.opts.Session.State().Media)
}

func (s *Server) raiseHand(c *gin.Context) {
	raised, err := s.opts.Session.RaiseHand()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handRaised": raised})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (s *Server) reaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji is required"})
		return
	}
	if err := s.opts.Session.SendReaction(req.Emoji); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	msg, err := s.opts.Session.SendChat(req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
