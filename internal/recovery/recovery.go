// Package recovery restarts the container backing a failed service. It is
// invoked by the incident detector when an incident opens; restart success
// does not resolve the incident, only observed UPs do.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownService means the service has no container mapping.
	ErrUnknownService = errors.New("recovery: unknown service")
	// ErrProtected means the service is exempt from automatic restart.
	ErrProtected = errors.New("recovery: service is protected from automatic restart")
	// ErrRestartInFlight means a restart for this service is already running.
	ErrRestartInFlight = errors.New("recovery: restart already in flight")
	// ErrDisabled means auto-recovery is switched off by configuration.
	ErrDisabled = errors.New("recovery: auto-recovery is disabled")
)

// Driver executes the actual restart. Implementations wrap the docker CLI
// or the Engine API.
type Driver interface {
	Restart(ctx context.Context, container string, timeout time.Duration) error
}

// Result records what a recovery attempt did. Failures are results, not
// errors: the detector logs them and moves on.
type Result struct {
	Service    string `json:"service"`
	Container  string `json:"container,omitempty"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	IncidentID int64  `json:"incident_id,omitempty"`

	DurationMS float64 `json:"duration_ms"`
}

// Orchestrator maps services to containers and restarts them, honoring the
// protection set and allowing at most one in-flight restart per service.
type Orchestrator struct {
	driver     Driver
	containers map[string]string
	protected  map[string]bool
	timeout    time.Duration
	enabled    bool

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates an orchestrator. containers maps service names to container
// names; protected lists services that must never be auto-restarted.
func New(driver Driver, containers map[string]string, protected map[string]bool, timeout time.Duration, enabled bool) *Orchestrator {
	return &Orchestrator{
		driver:     driver,
		containers: containers,
		protected:  protected,
		timeout:    timeout,
		enabled:    enabled,
		inFlight:   make(map[string]bool),
	}
}

// Recover restarts the container backing service. The incident stays
// untouched regardless of outcome; resolution is decided by observed UPs.
func (o *Orchestrator) Recover(ctx context.Context, service string, incidentID int64) Result {
	result := Result{Service: service, Action: "restart", IncidentID: incidentID}

	if !o.enabled {
		result.Error = ErrDisabled.Error()
		return result
	}

	container, ok := o.containers[service]
	if !ok {
		result.Error = ErrUnknownService.Error()
		log.Error().Str("service", service).Msg("recovery requested for unknown service")
		return result
	}
	result.Container = container

	if o.protected[service] {
		result.Error = ErrProtected.Error()
		log.Warn().
			Str("service", service).
			Int64("incident_id", incidentID).
			Msg("service is protected, skipping automatic restart")
		return result
	}

	if !o.acquire(service) {
		result.Error = ErrRestartInFlight.Error()
		return result
	}
	defer o.release(service)

	log.Warn().
		Str("service", service).
		Str("container", container).
		Int64("incident_id", incidentID).
		Msg("triggering automatic restart")

	start := time.Now()
	err := o.driver.Restart(ctx, container, o.timeout)
	result.DurationMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("service", service).
			Str("container", container).
			Msg("automatic restart failed")
		return result
	}

	result.Success = true
	log.Info().
		Str("service", service).
		Str("container", container).
		Float64("duration_ms", result.DurationMS).
		Msg("container restarted")
	return result
}

func (o *Orchestrator) acquire(service string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[service] {
		return false
	}
	o.inFlight[service] = true
	return true
}

func (o *Orchestrator) release(service string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, service)
}
