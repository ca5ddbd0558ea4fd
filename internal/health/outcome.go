package health

import (
	"time"

	"github.com/travelhub/sentinel/internal/store"
)

// Kind is the classified result of one probe.
type Kind int

const (
	KindUp Kind = iota
	KindDegraded
	KindUnhealthy
	KindTimeout
	KindDown
)

// Status maps a probe classification to the stored status string.
func (k Kind) Status() string {
	switch k {
	case KindUp:
		return store.StatusUp
	case KindDegraded:
		return store.StatusDegraded
	case KindUnhealthy:
		return store.StatusUnhealthy
	case KindTimeout:
		return store.StatusTimeout
	default:
		return store.StatusDown
	}
}

// ProbeOutcome carries everything observed about a single probe. Probe
// failures are outcomes, never errors: a refused connection classifies as
// DOWN, an elapsed deadline as TIMEOUT.
type ProbeOutcome struct {
	Kind      Kind
	HTTPCode  *int
	LatencyMS float64

	// Reason holds the transport error text when no response arrived.
	Reason string
}

// IsFailure reports whether the outcome counts toward an incident streak.
func (o ProbeOutcome) IsFailure() bool {
	switch o.Kind {
	case KindDown, KindTimeout, KindUnhealthy:
		return true
	}
	return false
}

// Check converts the outcome into a persistable health check for the given
// service and tick. sentAt is the moment the probe was dispatched.
func (o ProbeOutcome) Check(service, requestID string, sentAt time.Time) store.HealthCheck {
	latency := o.LatencyMS
	return store.HealthCheck{
		Service:      service,
		RequestID:    requestID,
		Status:       o.Kind.Status(),
		LatencyMS:    &latency,
		HTTPCode:     o.HTTPCode,
		Timestamp:    sentAt,
		IsTimeout:    o.Kind == KindTimeout,
		ErrorMessage: o.Reason,
	}
}
