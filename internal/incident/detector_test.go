package incident

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelhub/sentinel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendStatus(t *testing.T, s *store.Store, service, status string) {
	t.Helper()
	c := store.HealthCheck{
		Service:   service,
		RequestID: "ping-test",
		Status:    status,
		Timestamp: time.Now().UTC(),
		IsTimeout: status == store.StatusTimeout,
	}
	_, err := s.AppendCheck(context.Background(), &c)
	require.NoError(t, err)
}

func feed(t *testing.T, s *store.Store, d *Detector, service string, statuses ...string) []Evaluation {
	t.Helper()
	var evals []Evaluation
	for _, status := range statuses {
		appendStatus(t, s, service, status)
		eval, err := d.Evaluate(context.Background(), service)
		require.NoError(t, err)
		evals = append(evals, eval)
	}
	return evals
}

type recoveryRecorder struct {
	calls []string
	next  RecoveryResult
}

func (r *recoveryRecorder) recover(ctx context.Context, service string, incidentID int64) RecoveryResult {
	r.calls = append(r.calls, service)
	return r.next
}

func TestAllUpNoIncident(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 3, 3, true, nil, nil)

	evals := feed(t, s, d, "x", store.StatusUp, store.StatusUp, store.StatusUp, store.StatusUp)
	for _, eval := range evals {
		assert.Equal(t, ActionHealthy, eval.Action)
	}

	incidents, err := s.IncidentsByService(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestThreeFailuresOpenWarningIncident(t *testing.T) {
	s := newTestStore(t)
	rec := &recoveryRecorder{next: RecoveryResult{Success: true, Action: "restart"}}
	d := New(s, 3, 3, true, rec.recover, nil)

	evals := feed(t, s, d, "x", store.StatusDown, store.StatusDown, store.StatusDown)
	assert.Equal(t, ActionHealthy, evals[0].Action)
	assert.Equal(t, ActionHealthy, evals[1].Action)
	assert.Equal(t, ActionCreated, evals[2].Action)

	inc := evals[2].Incident
	require.NotNil(t, inc)
	assert.Equal(t, store.SeverityWarning, inc.Severity)
	assert.Equal(t, 3, inc.ConsecutiveFailures)
	assert.GreaterOrEqual(t, inc.MTTDSeconds, 0.0)
	assert.False(t, inc.DetectedAt.Before(inc.StartedAt))

	// Recovery triggered exactly once, on open.
	assert.Equal(t, []string{"x"}, rec.calls)
	require.NotNil(t, evals[2].Recovery)
	assert.True(t, evals[2].Recovery.Success)
}

func TestOngoingFailuresDoNotReopenOrRetrigger(t *testing.T) {
	s := newTestStore(t)
	rec := &recoveryRecorder{}
	d := New(s, 3, 3, true, rec.recover, nil)

	evals := feed(t, s, d, "x",
		store.StatusDown, store.StatusDown, store.StatusDown,
		store.StatusDown, store.StatusDown)
	assert.Equal(t, ActionCreated, evals[2].Action)
	assert.Equal(t, ActionOngoing, evals[3].Action)
	assert.Equal(t, ActionOngoing, evals[4].Action)

	assert.Len(t, rec.calls, 1)

	incidents, err := s.IncidentsByService(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestIncidentResolvesAfterConfirmationWindow(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 3, 3, true, nil, nil)

	evals := feed(t, s, d, "x",
		store.StatusDown, store.StatusDown, store.StatusDown,
		store.StatusUp, store.StatusUp, store.StatusUp)
	assert.Equal(t, ActionCreated, evals[2].Action)
	assert.Equal(t, ActionOngoing, evals[3].Action)
	assert.Equal(t, ActionOngoing, evals[4].Action)
	assert.Equal(t, ActionResolved, evals[5].Action)

	incidents, err := s.IncidentsByService(context.Background(), "x", 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	inc := incidents[0]
	require.NotNil(t, inc.ResolvedAt)
	require.NotNil(t, inc.ResolutionAction)
	assert.Equal(t, "auto-recovery", *inc.ResolutionAction)
	require.NotNil(t, inc.MTTRSeconds)
	assert.GreaterOrEqual(t, *inc.MTTRSeconds, 0.0)
	assert.False(t, inc.ResolvedAt.Before(inc.DetectedAt))
}

func TestSixFailuresOpenCriticalIncident(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 3, 3, false, nil, nil)

	// The incident opens at the third failure with WARNING; had detection
	// lagged to six failures it would classify CRITICAL. Feed six failures
	// with evaluation suppressed until the end to model delayed detection.
	for i := 0; i < 6; i++ {
		appendStatus(t, s, "x", store.StatusDown)
	}
	eval, err := d.Evaluate(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, ActionCreated, eval.Action)
	require.NotNil(t, eval.Incident)
	assert.Equal(t, store.SeverityCritical, eval.Incident.Severity)
	assert.Equal(t, 6, eval.Incident.ConsecutiveFailures)
}

func TestFlappingWithQuickCloseCreatesTwoIncidents(t *testing.T) {
	// With N_ok=1 the single UP closes the first incident, so three fresh
	// failures open a second one.
	s := newTestStore(t)
	d := New(s, 3, 1, false, nil, nil)

	evals := feed(t, s, d, "x",
		store.StatusDown, store.StatusDown, store.StatusDown,
		store.StatusUp,
		store.StatusDown, store.StatusDown, store.StatusDown)
	assert.Equal(t, ActionCreated, evals[2].Action)
	assert.Equal(t, ActionResolved, evals[3].Action)
	assert.Equal(t, ActionCreated, evals[6].Action)

	incidents, err := s.IncidentsByService(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Len(t, incidents, 2)
}

func TestFlappingWithSlowCloseKeepsOneIncident(t *testing.T) {
	// With N_ok=3 the lone UP cannot close the first incident; the renewed
	// failures fold into it and no second incident appears.
	s := newTestStore(t)
	d := New(s, 3, 3, false, nil, nil)

	evals := feed(t, s, d, "x",
		store.StatusDown, store.StatusDown, store.StatusDown,
		store.StatusUp,
		store.StatusDown, store.StatusDown, store.StatusDown)
	assert.Equal(t, ActionCreated, evals[2].Action)
	assert.Equal(t, ActionOngoing, evals[3].Action)
	assert.Equal(t, ActionOngoing, evals[6].Action)

	incidents, err := s.IncidentsByService(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
	assert.True(t, incidents[0].IsActive())
}

func TestProtectedServiceIncidentStaysOpen(t *testing.T) {
	s := newTestStore(t)
	rec := &recoveryRecorder{next: RecoveryResult{Success: false, Action: "restart", Error: "recovery: service is protected from automatic restart"}}
	d := New(s, 3, 3, true, rec.recover, nil)

	evals := feed(t, s, d, "redis", store.StatusDown, store.StatusDown, store.StatusDown)
	assert.Equal(t, ActionCreated, evals[2].Action)
	require.NotNil(t, evals[2].Recovery)
	assert.False(t, evals[2].Recovery.Success)
	assert.Contains(t, evals[2].Recovery.Error, "protected")

	active, err := s.ActiveIncident(context.Background(), "redis")
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestBoundaryThresholdsOfOne(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 1, 1, false, nil, nil)

	evals := feed(t, s, d, "x", store.StatusDown)
	assert.Equal(t, ActionCreated, evals[0].Action)

	evals = feed(t, s, d, "x", store.StatusUp)
	assert.Equal(t, ActionResolved, evals[0].Action)
}

func TestDegradedDoesNotOpenIncident(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 3, 3, false, nil, nil)

	evals := feed(t, s, d, "x", store.StatusDegraded, store.StatusDegraded, store.StatusDegraded)
	for _, eval := range evals {
		assert.Equal(t, ActionHealthy, eval.Action)
	}
}

func TestConfirmationWindowRequiresFullPostDetectionRun(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 3, 3, false, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		appendStatus(t, s, "x", store.StatusDown)
	}
	eval, err := d.Evaluate(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, ActionCreated, eval.Action)
	watermark := eval.Incident.DetectCheckID
	assert.Positive(t, watermark)

	// Two post-detection UPs fill only two thirds of the window.
	feed(t, s, d, "x", store.StatusUp, store.StatusUp)
	active, err := s.ActiveIncident(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, active, "two post-detection UPs must not close a N_ok=3 incident")

	evals := feed(t, s, d, "x", store.StatusUp)
	assert.Equal(t, ActionResolved, evals[0].Action)
}

func TestConfirmsRecoveryWatermark(t *testing.T) {
	up := func(id int64) store.HealthCheck {
		return store.HealthCheck{ID: id, Status: store.StatusUp}
	}
	down := func(id int64) store.HealthCheck {
		return store.HealthCheck{ID: id, Status: store.StatusDown}
	}

	// Healthy checks at or below the detection watermark never confirm
	// recovery, even when the whole window is non-failure.
	assert.False(t, confirmsRecovery([]store.HealthCheck{up(5), up(4), up(3)}, 3, 3))
	assert.True(t, confirmsRecovery([]store.HealthCheck{up(6), up(5), up(4)}, 3, 3))
	assert.False(t, confirmsRecovery([]store.HealthCheck{up(6), down(5), up(4)}, 3, 3))
	assert.False(t, confirmsRecovery([]store.HealthCheck{up(6), up(5)}, 3, 3))
	assert.True(t, confirmsRecovery([]store.HealthCheck{up(2)}, 1, 1))
}

func TestAtMostOneActiveIncidentPerService(t *testing.T) {
	s := newTestStore(t)
	d := New(s, 2, 2, false, nil, nil)
	ctx := context.Background()

	feed(t, s, d, "x",
		store.StatusDown, store.StatusDown, store.StatusDown,
		store.StatusUp, store.StatusUp,
		store.StatusDown, store.StatusDown)

	active, err := s.ActiveIncidents(ctx)
	require.NoError(t, err)
	count := 0
	for _, inc := range active {
		if inc.Service == "x" {
			count++
		}
	}
	assert.LessOrEqual(t, count, 1)

	all, err := s.IncidentsByService(ctx, "x", 10)
	require.NoError(t, err)
	for _, inc := range all {
		assert.False(t, inc.DetectedAt.Before(inc.StartedAt))
		if inc.ResolvedAt != nil {
			assert.False(t, inc.ResolvedAt.Before(inc.DetectedAt))
		}
	}
}

func TestEventsPublishedOnOpenAndClose(t *testing.T) {
	s := newTestStore(t)
	var events []Event
	d := New(s, 2, 1, false, nil, func(ev Event) { events = append(events, ev) })

	feed(t, s, d, "x", store.StatusDown, store.StatusDown, store.StatusUp)

	require.Len(t, events, 2)
	assert.Equal(t, "opened", events[0].Type)
	assert.Equal(t, "resolved", events[1].Type)
	assert.Equal(t, "x", events[0].Incident.Service)
}
