package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/config"
	"github.com/peercall/peercall/internal/domain"
	"github.com/peercall/peercall/internal/httpapi"
	"github.com/peercall/peercall/internal/media"
	"github.com/peercall/peercall/internal/rtc"
	"github.com/peercall/peercall/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	self, err := domain.NewUser(domain.UserID(cfg.UserID), cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("user_id must be set")
	}

	tp := transport.NewWSClient(transport.WSConfig{
		URL:           cfg.BrokerURL,
		RetryInterval: cfg.RetryInterval,
		RetryAttempts: cfg.RetryAttempts,
	})

	provider, err := media.NewProvider(cfg.VideoCapable)
	if err != nil {
		log.Fatal().Err(err).Msg("media provider init")
	}

	engine := call.NewEngine(
		call.Config{
			NoAnswerTimeout: cfg.NoAnswerTimeout,
			ICEGraceWindow:  cfg.ICEGraceWindow,
			PublishTimeout:  cfg.PublishTimeout,
		},
		*self,
		tp,
		provider,
		rtc.Factory(rtc.Config{ICEServers: cfg.ICEServers}),
		func(ev call.Event) {
			log.Info().
				Str("module", "main").
				Int("event", int(ev.Kind)).
				Str("reason", string(ev.Reason)).
				Str("state", ev.Snapshot.State.String()).
				Msg("call event")
		},
	)

	if err := tp.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("broker not reachable yet, will retry on first call")
	}

	r := httpapi.SetupRouter(cfg, engine)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Msg("peercall started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// End a live call first so the remote side is not left ringing.
	engine.Shutdown()
	tp.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
