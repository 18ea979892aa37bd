// Command meet is a headless call participant. It joins a room through the
// signaling relay and is driven by the local control API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/call"
	"github.com/mossy-p/webrtc-meet/internal/control"
	"github.com/mossy-p/webrtc-meet/internal/logging"
	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/media/capture"
	"github.com/mossy-p/webrtc-meet/internal/roomapi"
	"github.com/mossy-p/webrtc-meet/internal/rtc"
	"github.com/mossy-p/webrtc-meet/internal/signaling"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadClient()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := openDevice(cfg.Device)

	rooms := roomapi.New(cfg.APIURL, cfg.APIKey)
	loginCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := rooms.Login(loginCtx, cfg.UserName, cfg.UserName); err != nil {
		log.Warn().Err(err).Msg("login failed, joining anonymously")
	}
	cancel()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("x-api-key", cfg.APIKey)
	}
	if token := rooms.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	gw := signaling.New(signaling.Options{
		URL:               cfg.SignalingURL,
		Header:            header,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	})
	sig := call.NewRoomSignaler(gw)

	api, err := rtc.NewAPI(rtc.APIOptions{LoggerFactory: logging.NewPionFactory()})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}
	peers, err := rtc.NewRegistry(rtc.Options{
		API:           api,
		Configuration: rtc.Configuration(cfg.STUNURLs),
		Signaler:      sig,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start peer registry")
	}
	defer peers.Close()

	manager := media.NewManager(device)
	session, err := call.New(call.Options{
		Gateway:    gw,
		Media:      manager,
		Peers:      peers,
		Signaler:   sig,
		OfferDelay: cfg.OfferDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start call session")
	}
	defer session.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.ControlAddr,
		Handler: control.New(control.Options{
			Session:         session,
			Rooms:           rooms,
			Secret:          cfg.ControlSecret,
			DefaultUserName: cfg.UserName,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ControlAddr).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("control api stopped")
			stop()
		}
	}()

	if cfg.RoomID != "" {
		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := session.JoinRoom(joinCtx, cfg.RoomID, cfg.UserName); err != nil {
			log.Error().Err(err).Str("room", cfg.RoomID).Msg("failed to join room")
		}
		cancel()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.LeaveRoom(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("leave room")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control api shutdown")
	}
}

func openDevice(kind string) media.Device {
	if kind == "synthetic" {
		log.Info().Msg("using synthetic test pattern device")
		return media.NewSyntheticDevice()
	}
	dev, err := capture.New(capture.Options{})
	if err != nil {
		log.Warn().Err(err).Msg("capture unavailable, using synthetic device")
		return media.NewSyntheticDevice()
	}
	return dev
}
