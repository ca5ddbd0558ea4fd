// Package incident holds the outage state machine. A service with
// N_fail consecutive failed checks gets an open incident; the incident
// closes once N_ok consecutive healthy checks are observed after detection.
package incident

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/store"
)

// Action is what one evaluation did for one service.
type Action string

const (
	ActionHealthy  Action = "healthy"
	ActionCreated  Action = "incident_created"
	ActionResolved Action = "incident_resolved"
	ActionOngoing  Action = "incident_ongoing"
)

const resolutionAuto = "auto-recovery"

// Store is the slice of the persistence layer the detector needs.
type Store interface {
	ConsecutiveFailures(ctx context.Context, service string, cap int) (int, time.Time, error)
	RecentChecks(ctx context.Context, service string, n int) ([]store.HealthCheck, error)
	ActiveIncident(ctx context.Context, service string) (*store.Incident, error)
	OpenIncident(ctx context.Context, inc *store.Incident) (int64, error)
	ResolveIncident(ctx context.Context, inc *store.Incident) error
}

// RecoveryResult is the outcome of a remediation attempt, as reported by
// the recovery callback.
type RecoveryResult struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// RecoverFunc triggers remediation for a freshly opened incident. Injected
// at construction so the detector does not depend on the recovery package.
type RecoverFunc func(ctx context.Context, service string, incidentID int64) RecoveryResult

// Event is published to the incident feed when an incident opens or closes.
type Event struct {
	Type     string         `json:"type"` // "opened" or "resolved"
	Incident store.Incident `json:"incident"`
}

// EventFunc receives incident lifecycle events. May be nil.
type EventFunc func(Event)

// Evaluation is the result of one detector pass over one service.
type Evaluation struct {
	Service  string          `json:"service"`
	Action   Action          `json:"action"`
	Incident *store.Incident `json:"incident,omitempty"`
	Recovery *RecoveryResult `json:"recovery,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`
}

// Detector runs the open/hold/close rules. Evaluations for the same
// service are serialized; different services may be evaluated concurrently.
type Detector struct {
	store     Store
	failN     int
	okN       int
	recoverFn RecoverFunc
	onEvent   EventFunc
	autoRecov bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a detector. recover may be nil when remediation is handled
// elsewhere; onEvent may be nil.
func New(st Store, failThreshold, okThreshold int, autoRecovery bool, recoverFn RecoverFunc, onEvent EventFunc) *Detector {
	return &Detector{
		store:     st,
		failN:     failThreshold,
		okN:       okThreshold,
		recoverFn: recoverFn,
		onEvent:   onEvent,
		autoRecov: autoRecovery,
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Evaluate runs one detector pass for a service. Errors are store errors
// only; every probe outcome is an observation, never a failure of Evaluate.
func (d *Detector) Evaluate(ctx context.Context, service string) (Evaluation, error) {
	lock := d.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	eval := Evaluation{Service: service, Action: ActionHealthy}

	// Scan twice the open threshold so a critical-length streak is visible.
	scanCap := 2 * d.failN
	failures, firstFailure, err := d.store.ConsecutiveFailures(ctx, service, scanCap)
	if err != nil {
		return eval, err
	}
	eval.ConsecutiveFailures = failures

	active, err := d.store.ActiveIncident(ctx, service)
	if err != nil {
		return eval, err
	}

	if failures >= d.failN {
		if active != nil {
			log.Debug().
				Str("service", service).
				Int("consecutive_failures", failures).
				Int64("incident_id", active.ID).
				Msg("incident ongoing")
			eval.Action = ActionOngoing
			eval.Incident = active
			return eval, nil
		}
		return d.open(ctx, eval, firstFailure, failures)
	}

	if active == nil {
		return eval, nil
	}
	return d.maybeClose(ctx, eval, active)
}

// EvaluateAll runs Evaluate for every named service, continuing past
// per-service store errors.
func (d *Detector) EvaluateAll(ctx context.Context, services []string) map[string]Evaluation {
	results := make(map[string]Evaluation, len(services))
	for _, service := range services {
		eval, err := d.Evaluate(ctx, service)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("service evaluation failed")
		}
		results[service] = eval
	}
	return results
}

func (d *Detector) open(ctx context.Context, eval Evaluation, firstFailure time.Time, failures int) (Evaluation, error) {
	now := d.now().UTC()

	severity := store.SeverityWarning
	if failures >= 2*d.failN {
		severity = store.SeverityCritical
	}

	// Clock skew between probe timestamps and now must not produce a
	// negative detection time.
	mttd := now.Sub(firstFailure).Seconds()
	if mttd < 0 {
		mttd = 0
	}

	// The newest check is by definition part of the streak; its ID is the
	// watermark the close window must sit strictly above.
	var detectCheckID int64
	if newest, err := d.store.RecentChecks(ctx, eval.Service, 1); err == nil && len(newest) > 0 {
		detectCheckID = newest[0].ID
	}

	inc := &store.Incident{
		Service:             eval.Service,
		StartedAt:           firstFailure,
		DetectedAt:          now,
		Severity:            severity,
		ConsecutiveFailures: failures,
		MTTDSeconds:         mttd,
		DetectCheckID:       detectCheckID,
	}
	if _, err := d.store.OpenIncident(ctx, inc); err != nil {
		return eval, err
	}

	log.Warn().
		Str("service", eval.Service).
		Int64("incident_id", inc.ID).
		Str("severity", severity).
		Int("consecutive_failures", failures).
		Float64("mttd_seconds", mttd).
		Msg("incident opened")

	eval.Action = ActionCreated
	eval.Incident = inc

	if d.autoRecov && d.recoverFn != nil {
		result := d.recoverFn(ctx, eval.Service, inc.ID)
		eval.Recovery = &result
	}
	d.publish(Event{Type: "opened", Incident: *inc})
	return eval, nil
}

func (d *Detector) maybeClose(ctx context.Context, eval Evaluation, active *store.Incident) (Evaluation, error) {
	eval.Incident = active

	checks, err := d.store.RecentChecks(ctx, eval.Service, d.okN)
	if err != nil {
		return eval, err
	}
	if !confirmsRecovery(checks, d.okN, active.DetectCheckID) {
		eval.Action = ActionOngoing
		return eval, nil
	}

	now := d.now().UTC()
	mttr := now.Sub(active.DetectedAt).Seconds()
	if mttr < 0 {
		mttr = 0
	}
	action := resolutionAuto
	active.ResolvedAt = &now
	active.ResolutionAction = &action
	active.MTTRSeconds = &mttr
	if err := d.store.ResolveIncident(ctx, active); err != nil {
		return eval, err
	}

	log.Info().
		Str("service", eval.Service).
		Int64("incident_id", active.ID).
		Float64("mttr_seconds", mttr).
		Msg("incident resolved")

	eval.Action = ActionResolved
	d.publish(Event{Type: "resolved", Incident: *active})
	return eval, nil
}

// confirmsRecovery reports whether the newest checks form a full healthy
// confirmation window observed strictly after detection. Checks that
// predate the incident's detection watermark never count.
func confirmsRecovery(checks []store.HealthCheck, okN int, detectCheckID int64) bool {
	if len(checks) < okN {
		return false
	}
	for _, c := range checks[:okN] {
		if c.IsFailure() || c.ID <= detectCheckID {
			return false
		}
	}
	return true
}

func (d *Detector) publish(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

func (d *Detector) serviceLock(service string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[service]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[service] = lock
	}
	return lock
}
