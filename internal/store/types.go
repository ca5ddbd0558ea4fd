package store

import (
	"encoding/json"
	"time"
)

// Health check statuses as recorded in the store.
const (
	StatusUp        = "UP"
	StatusDown      = "DOWN"
	StatusTimeout   = "TIMEOUT"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// Incident severities.
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Operation statuses. Status only ever advances.
const (
	OpPending    = "PENDING"
	OpProcessing = "PROCESSING"
	OpProcessed  = "PROCESSED"
	OpFailed     = "FAILED"
)

// HealthCheck is one probe attempt. Rows are immutable after insertion and
// ordered by ID within a service in probe send order.
type HealthCheck struct {
	ID        int64     `json:"id"`
	Service   string    `json:"service"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	LatencyMS *float64  `json:"latency_ms"`
	HTTPCode  *int      `json:"http_code"`
	Timestamp time.Time `json:"timestamp"`
	IsTimeout bool      `json:"is_timeout"`

	// ErrorMessage travels with the check through logs and echo payload
	// handling but is not persisted.
	ErrorMessage string `json:"error_message,omitempty"`
}

// IsFailure reports whether this check counts toward an incident streak.
// DEGRADED responses answered, so they do not.
func (c HealthCheck) IsFailure() bool {
	switch c.Status {
	case StatusDown, StatusTimeout, StatusUnhealthy:
		return true
	}
	return false
}

// Incident is one outage episode for one service. Created by the detector on
// open and mutated exactly once, on close.
type Incident struct {
	ID                  int64      `json:"id"`
	Service             string     `json:"service"`
	StartedAt           time.Time  `json:"started_at"`
	DetectedAt          time.Time  `json:"detected_at"`
	ResolvedAt          *time.Time `json:"resolved_at"`
	Severity            string     `json:"severity"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ResolutionAction    *string    `json:"resolution_action"`
	MTTDSeconds         float64    `json:"mttd_seconds"`
	MTTRSeconds         *float64   `json:"mttr_seconds"`

	// DetectCheckID is the ID of the newest health check in the streak that
	// opened the incident. Closing requires the confirmation window to sit
	// strictly above it, so checks observed before detection never count.
	DetectCheckID int64 `json:"detect_check_id"`
}

// IsActive reports whether the incident is still open.
func (i Incident) IsActive() bool {
	return i.ResolvedAt == nil
}

// Operation is a business job record. It is external to the monitoring core
// and bounds the store schema shared with the work peer.
type Operation struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Error     *string         `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
