// sentineld is the monitor: it drives the probe cycle, detects and
// resolves incidents, triggers container restarts, and serves the
// control-plane API.
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

	"github.com/travelhub/sentinel/internal/api"
	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/health"
	"github.com/travelhub/sentinel/internal/incident"
	"github.com/travelhub/sentinel/internal/metrics"
	"github.com/travelhub/sentinel/internal/monitor"
	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/recovery"
	"github.com/travelhub/sentinel/internal/store"
	"github.com/travelhub/sentinel/internal/telemetry"
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

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := broker.Ping(bootCtx); err != nil {
		// The broker being down at boot is an incident to record, not a
		// reason to refuse to start.
		log.Warn().Err(err).Msg("broker unreachable at boot, continuing")
	}
	bootCancel()

	orchestrator := recovery.New(
		newDriver(cfg),
		cfg.Containers,
		cfg.Protected,
		cfg.RestartTimeout,
		cfg.AutoRecoveryEnabled,
	)

	feed := api.NewFeed()
	detector := incident.New(
		st,
		cfg.FailureThreshold,
		cfg.RecoveryCheckThreshold,
		cfg.AutoRecoveryEnabled,
		recoverFunc(orchestrator),
		onIncident(feed),
	)

	prober := health.NewProber(cfg.PingTimeout)
	scheduler := monitor.NewScheduler(cfg, st, prober, broker, detector)

	consumer := queue.NewConsumer(broker, 1)
	consumer.Handle(queue.EchoQueue, scheduler.HandleEcho)
	consumer.Start()
	defer consumer.Stop()

	scheduler.Start()
	defer scheduler.Stop()

	engine := metrics.NewEngine(st)
	server := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(cfg, st, scheduler, engine, detector, feed, broker).Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("control-plane API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	waitForSignal()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown failed")
	}
	log.Info().Msg("sentineld stopped")
}

// newDriver picks the restart mechanism: docker CLI by default, the
// Engine API when configured.
func newDriver(cfg *config.Config) recovery.Driver {
	if cfg.RecoveryDriver == "docker-api" {
		driver, err := recovery.NewDockerDriver()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot connect docker engine")
		}
		return driver
	}
	return recovery.NewCLIDriver()
}

// recoverFunc adapts the orchestrator to the detector's callback and
// feeds the restart counters.
func recoverFunc(o *recovery.Orchestrator) incident.RecoverFunc {
	return func(ctx context.Context, service string, incidentID int64) incident.RecoveryResult {
		result := o.Recover(ctx, service, incidentID)

		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		telemetry.RecoveriesTotal.WithLabelValues(service, outcome).Inc()

		return incident.RecoveryResult{
			Success: result.Success,
			Action:  result.Action,
			Error:   result.Error,
		}
	}
}

// onIncident publishes lifecycle events to the websocket feed and keeps
// the incident collectors current.
func onIncident(feed *api.Feed) incident.EventFunc {
	return func(ev incident.Event) {
		switch ev.Type {
		case "opened":
			telemetry.IncidentsOpened.WithLabelValues(ev.Incident.Service, ev.Incident.Severity).Inc()
			telemetry.ActiveIncidents.WithLabelValues(ev.Incident.Service).Inc()
		case "resolved":
			telemetry.IncidentsResolved.WithLabelValues(ev.Incident.Service).Inc()
			telemetry.ActiveIncidents.WithLabelValues(ev.Incident.Service).Dec()
		}
		feed.Publish(ev)
	}
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
