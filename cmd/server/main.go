package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/adapters/credential"
	router "github.com/dkeye/voicecall/internal/adapters/http"
	"github.com/dkeye/voicecall/internal/adapters/rtc"
	sig "github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	config.WatchLogLevel(config.FileName())

	issuer := credential.New(cfg.Credential.BaseURL, cfg.Credential.Path, cfg.Credential.Timeout)

	var recorder rtc.RecorderFunc
	if cfg.Media.RecordDir != "" {
		recorder = rtc.OggRecorder(cfg.Media.RecordDir)
	}
	connector, err := rtc.NewConnector(rtc.ConnectorOptions{
		ICEServers:  cfg.Media.ICEServers,
		Recorder:    recorder,
		EventBuffer: cfg.Events.Buffer,
		Signal: sig.Options{
			ReadLimit:  cfg.Events.ReadLimit,
			PingPeriod: cfg.Events.PingPeriod,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media connector")
	}
	mic := rtc.FileMicrophone{Path: cfg.Media.MicrophoneFile}

	reg := app.NewRegistry(func(id app.ClientID) *call.Manager {
		return call.NewManager(call.Options{
			Endpoint:       cfg.Media.Endpoint,
			Credentials:    issuer,
			Connector:      connector,
			Microphone:     mic,
			ConnectTimeout: cfg.Media.ConnectTimeout,
			NotifyBuffer:   cfg.Events.Buffer,
		})
	})

	r := router.SetupRouter(cfg, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("VoiceCall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("calls closed with errors")
	}
	log.Info().Msg("Server exited gracefully")
}
