package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/tallyhub/tallyhub/internal/api/http"
	"github.com/tallyhub/tallyhub/internal/application/coordinator"
	"github.com/tallyhub/tallyhub/internal/application/reaper"
	"github.com/tallyhub/tallyhub/internal/config"
	"github.com/tallyhub/tallyhub/internal/infrastructure/clock"
	"github.com/tallyhub/tallyhub/internal/infrastructure/postgres"
	"github.com/tallyhub/tallyhub/internal/infrastructure/schedule"
	"github.com/tallyhub/tallyhub/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	sessionRepo := postgres.NewSessionRepository(pool)
	sseHub := sse.NewHub()
	sched := schedule.NewQueue()
	clk := clock.System()

	coordSvc := coordinator.NewService(
		sessionRepo,
		sseHub,
		clk,
		clock.UUIDs(),
		sched,
		coordinator.Config{
			DefaultLeaseTTL:     cfg.DefaultLeaseTTL,
			ConflictGracePeriod: cfg.ConflictGracePeriod,
			InactivityThreshold: cfg.InactivityThreshold,
		},
		logger,
	)

	apiServer := httpapi.NewServer(coordSvc, sseHub)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	reap := reaper.New(coordSvc, sched, clk, cfg.ReaperInterval, logger)
	go reap.Run(reaperCtx)

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopReaper()
	sseHub.Stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
