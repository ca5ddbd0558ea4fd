// Package monitor drives the probe cycle. Each tick probes the work peer
// directly and the broker itself, then fans the rest of the catalog out
// through the broker; echo batches come back asynchronously and feed the
// incident detector.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/health"
	"github.com/travelhub/sentinel/internal/incident"
	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/store"
	"github.com/travelhub/sentinel/internal/telemetry"
)

// Status is the scheduler's counter snapshot, served by GET /status.
type Status struct {
	Running             bool    `json:"running"`
	PingIntervalSeconds float64 `json:"ping_interval_seconds"`
	PingCount           int64   `json:"ping_count"`
	EchoCount           int64   `json:"echo_count"`
	LastPingTime        *string `json:"last_ping_time"`
	LastEchoTime        *string `json:"last_echo_time"`
}

// Scheduler owns the periodic tick loop and the echo handler.
type Scheduler struct {
	cfg      *config.Config
	store    *store.Store
	prober   *health.Prober
	broker   *queue.Client
	detector *incident.Detector

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex

	// Counters live under their own lock so a tick in flight never
	// contends with Stop holding the lifecycle lock.
	statMu    sync.RWMutex
	pingCount int64
	echoCount int64
	lastPing  *time.Time
	lastEcho  *time.Time
}

// NewScheduler wires the probe engine, store, broker, and detector into a
// tick loop.
func NewScheduler(cfg *config.Config, st *store.Store, prober *health.Prober, broker *queue.Client, detector *incident.Detector) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		prober:   prober,
		broker:   broker,
		detector: detector,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.loop()

	log.Info().
		Dur("interval", s.cfg.PingInterval).
		Str("work_peer", s.cfg.WorkPeer).
		Msg("scheduler started")
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	s.wg.Wait()

	log.Info().Msg("scheduler stopped")
}

// loop sleeps a fixed interval after each tick completes. Tail latency
// delays the next tick; no catch-up is attempted.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		s.Tick(s.ctx)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.PingInterval):
		}
	}
}

// Tick runs one probe round and returns its request id. Also invoked by
// POST /ping.
func (s *Scheduler) Tick(ctx context.Context) string {
	requestID := "ping-" + uuid.NewString()[:8]

	// The work peer is probed directly so a broker outage cannot mask a
	// dead consumer.
	peerOutcome := s.probePeer(ctx, requestID)
	s.probeBroker(ctx, requestID)

	if peerOutcome.Kind == health.KindUp {
		s.enqueueFanout(ctx, requestID)
	} else {
		log.Warn().
			Str("request_id", requestID).
			Str("work_peer", s.cfg.WorkPeer).
			Str("status", peerOutcome.Kind.Status()).
			Msg("work peer is not up, skipping broker fan-out")
	}

	now := time.Now().UTC()
	s.statMu.Lock()
	s.pingCount++
	s.lastPing = &now
	s.statMu.Unlock()
	telemetry.PingsTotal.Inc()

	log.Debug().Str("request_id", requestID).Msg("tick completed")
	return requestID
}

func (s *Scheduler) probePeer(ctx context.Context, requestID string) health.ProbeOutcome {
	peer := s.cfg.WorkPeer
	sentAt := time.Now().UTC()
	outcome := s.prober.Probe(ctx, s.cfg.ServiceURL(peer))

	check := outcome.Check(peer, requestID, sentAt)
	s.record(ctx, check)
	return outcome
}

func (s *Scheduler) probeBroker(ctx context.Context, requestID string) {
	tag := s.cfg.BrokerTag
	sentAt := time.Now().UTC()
	outcome := s.prober.ProbeBroker(ctx, s.broker)

	check := outcome.Check(tag, requestID, sentAt)
	s.record(ctx, check)
}

func (s *Scheduler) enqueueFanout(ctx context.Context, requestID string) {
	err := s.broker.Enqueue(ctx, queue.PingQueue, queue.PingTask{RequestID: requestID})
	if err != nil {
		// The direct probes already ran; losing one fan-out round costs
		// nothing the detector cannot absorb.
		log.Error().Err(err).Str("request_id", requestID).Msg("fan-out enqueue failed, skipping this tick")
	}
}

// record persists one check and runs the detector for its service. A store
// failure drops the write and is logged; the scheduler never crashes over
// an individual check.
func (s *Scheduler) record(ctx context.Context, check store.HealthCheck) {
	telemetry.ObserveProbe(check.Service, check.Status, latencyOf(check))

	if _, err := s.store.AppendCheck(ctx, &check); err != nil {
		log.Error().Err(err).Str("service", check.Service).Msg("dropping health check write")
		return
	}
	if _, err := s.detector.Evaluate(ctx, check.Service); err != nil {
		log.Error().Err(err).Str("service", check.Service).Msg("service evaluation failed")
	}
}

// HandleEcho consumes one fan-out result batch from monitoring.echo:
// every result becomes a stored check, then the detector runs for each
// service in the batch.
func (s *Scheduler) HandleEcho(ctx context.Context, body []byte) error {
	var task queue.EchoTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("decode echo payload: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, task.TS)
	if err != nil {
		ts = time.Now().UTC()
	}

	log.Info().
		Str("request_id", task.RequestID).
		Int("results", len(task.Results)).
		Msg("echo received")

	for _, result := range task.Results {
		check := store.HealthCheck{
			Service:   result.Service,
			RequestID: task.RequestID,
			Status:    result.Status,
			LatencyMS: result.LatencyMS,
			HTTPCode:  result.HTTPCode,
			Timestamp: ts,
			IsTimeout: result.Status == store.StatusTimeout,
		}
		s.record(ctx, check)
	}

	now := time.Now().UTC()
	s.statMu.Lock()
	s.echoCount++
	s.lastEcho = &now
	s.statMu.Unlock()
	telemetry.EchoesTotal.Inc()
	return nil
}

// GetStatus returns a copy of the scheduler counters.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	s.statMu.RLock()
	defer s.statMu.RUnlock()

	status := Status{
		Running:             running,
		PingIntervalSeconds: s.cfg.PingInterval.Seconds(),
		PingCount:           s.pingCount,
		EchoCount:           s.echoCount,
	}
	if s.lastPing != nil {
		v := s.lastPing.Format(time.RFC3339Nano)
		status.LastPingTime = &v
	}
	if s.lastEcho != nil {
		v := s.lastEcho.Format(time.RFC3339Nano)
		status.LastEchoTime = &v
	}
	return status
}

func latencyOf(check store.HealthCheck) float64 {
	if check.LatencyMS == nil {
		return 0
	}
	return *check.LatencyMS
}
