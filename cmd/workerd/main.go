// workerd is the work peer: it processes business operations from the
// broker, answers fan-out probe tasks, and serves its own health and
// failure-injection API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/health"
	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/store"
	"github.com/travelhub/sentinel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	setupLogging(cfg)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("cannot open store")
	}
	defer st.Close()

	broker, err := queue.NewClient(cfg.BrokerURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.BrokerURL).Msg("cannot create broker client")
	}
	defer broker.Close()

	flag := worker.NewHealthFlag(worker.DefaultUnhealthyWindow)
	injector := worker.NewInjector()
	processor := worker.NewProcessor(st, worker.DefaultRetryPolicy(), injector, flag)
	pings := worker.NewPingHandler(cfg, health.NewProber(cfg.PingTimeout), broker)

	consumer := queue.NewConsumer(broker, cfg.QueueWorkers)
	consumer.Handle(queue.OperationsQueue, processor.HandleOperation)
	consumer.Handle(queue.PingQueue, pings.HandlePing)
	consumer.Start()
	defer consumer.Stop()

	server := &http.Server{
		Addr:    cfg.WorkerAddr,
		Handler: worker.NewAPI(st, broker, injector, flag).Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.WorkerAddr).Int("workers", cfg.QueueWorkers).Msg("worker listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("worker API failed")
		}
	}()

	waitForSignal()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker API shutdown failed")
	}
	log.Info().Msg("workerd stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")
}
