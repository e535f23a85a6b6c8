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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Streamer/internal/adapters/feed"
	router "github.com/dkeye/Streamer/internal/adapters/http"
	"github.com/dkeye/Streamer/internal/adapters/rtc"
	"github.com/dkeye/Streamer/internal/app"
	"github.com/dkeye/Streamer/internal/app/orch"
	"github.com/dkeye/Streamer/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:          "streamer",
		Short:        "RTSP to WebRTC signaling server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), env)
		},
	}
	cmd.Flags().StringVar(&env, "env", os.Getenv("CONFIG_ENV"), "config environment, reads config/config.<env>.yaml")
	return cmd
}

func run(parent context.Context, env string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	engine, err := rtc.NewEngine(rtc.Options{
		LoggerFactory: rtc.NewLoggerFactory(log.With().Str("module", "pion").Logger()),
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	lifecycle, err := feed.New(cfg.Feed)
	if err != nil {
		return fmt.Errorf("lifecycle feed: %w", err)
	}
	defer func() {
		if err := lifecycle.Close(); err != nil {
			log.Warn().Err(err).Msg("close lifecycle feed")
		}
	}()

	o := &orch.Orchestrator{
		Registry:   app.NewRegistry(),
		Engine:     engine,
		Notifier:   lifecycle,
		StunServer: cfg.StunServer,
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Streamer server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Feed.RedisAddr == "" {
		g.Go(func() error { return lifecycle.LogEvents(gctx) })
	}

	err = g.Wait()

	// Hijacked websocket connections outlive Shutdown; release what is left.
	for _, s := range o.Registry.Snapshot() {
		o.Stop(context.Background(), s.ID)
	}
	if err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
