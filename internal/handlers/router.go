package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/store"
)

// NewRouter builds the relay's HTTP surface: the room API and the
// signaling websocket at /ws/signal.
func NewRouter(cfg *config.Config, s store.Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hub := NewHub(s, cfg.JWTSecret)
	rooms := NewRooms(s, hub)

	apiGroup := router.Group("/api", middleware.APIKey(cfg.APIKey))
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.GET("/rooms/:roomId/exists", rooms.RoomExists)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), rooms.DeleteRoom)
	}

	wsGroup := router.Group("/ws", middleware.APIKey(cfg.APIKey))
	{
		wsGroup.GET("/signal", hub.HandleSignaling)
	}

	return router
}
