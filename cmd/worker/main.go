package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/visualmatrix/api/internal/bootstrap"
	"github.com/visualmatrix/api/internal/config"
	"github.com/visualmatrix/api/internal/events"
	"github.com/visualmatrix/api/internal/logging"
)

// The standalone worker runs job stages and health sweeps. Job events are
// published on redis for the API servers to relay.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise runtime")
	}
	defer rt.Close()

	srv, mux := rt.NewWorkerServer(events.NewPublisher(rt.Redis, log))

	if cfg.Worker.Scheduler {
		scheduler, err := rt.NewScheduler()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid health schedule")
		}
		if err := scheduler.Start(); err != nil {
			log.Fatal().Err(err).Msg("health scheduler failed to start")
		}
		defer scheduler.Shutdown()
	} else {
		log.Info().Msg("health scheduler disabled in this process")
	}

	if err := srv.Start(mux); err != nil {
		log.Error().Err(err).Msg("worker failed to start")
		os.Exit(1)
	}
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("shutting down worker")
	srv.Shutdown()
}
