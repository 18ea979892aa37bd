package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/handlers"
	"github.com/mossy-p/webrtc-meet/internal/logging"
	"github.com/mossy-p/webrtc-meet/internal/store"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	logging.Setup(os.Getenv("LOG_LEVEL"), cfg.Environment != "production")

	var s store.Store = store.NewMemory()
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := store.NewRedis(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		s = rs
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")
	}
	defer s.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(cfg, s)

	log.Info().Str("port", cfg.Port).Msg("starting signaling relay")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
