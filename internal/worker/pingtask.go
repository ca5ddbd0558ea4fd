package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/health"
	"github.com/travelhub/sentinel/internal/queue"
)

// PingHandler executes the fan-out probe task: on each monitoring.ping
// message it probes the catalog (minus the worker itself) concurrently
// and sends the result batch back on monitoring.echo.
type PingHandler struct {
	cfg    *config.Config
	prober *health.Prober
	broker *queue.Client
}

// NewPingHandler creates a fan-out probe handler.
func NewPingHandler(cfg *config.Config, prober *health.Prober, broker *queue.Client) *PingHandler {
	return &PingHandler{cfg: cfg, prober: prober, broker: broker}
}

// HandlePing consumes one monitoring.ping message.
func (h *PingHandler) HandlePing(ctx context.Context, body []byte) error {
	var task queue.PingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("decode ping payload: %w", err)
	}

	targets := h.cfg.FanoutServices()
	results := h.prober.ProbeAll(ctx, targets)

	echo := queue.EchoTask{
		RequestID: task.RequestID,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Results:   make([]queue.EchoResult, 0, len(results)),
	}
	for _, r := range results {
		latency := r.Outcome.LatencyMS
		echo.Results = append(echo.Results, queue.EchoResult{
			Service:   r.Service,
			Status:    r.Outcome.Kind.Status(),
			LatencyMS: &latency,
			HTTPCode:  r.Outcome.HTTPCode,
			IsFailure: r.Outcome.IsFailure(),
		})
	}

	if err := h.broker.Enqueue(ctx, queue.EchoQueue, echo); err != nil {
		return fmt.Errorf("send echo for %s: %w", task.RequestID, err)
	}

	log.Debug().
		Str("request_id", task.RequestID).
		Int("services", len(echo.Results)).
		Msg("echo sent")
	return nil
}
