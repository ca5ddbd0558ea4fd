// Package metrics derives availability figures from stored incidents and
// health checks: MTTD, MTTR, MTBF, windowed availability, and the monthly
// downtime projection against the three-nines budget.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/travelhub/sentinel/internal/store"
)

const (
	incidentSample = 100
	globalSample   = 200
	checkSample    = 500

	// AllowedMonthlyDowntimeMinutes is the compliance budget: three nines
	// over a 30-day month.
	AllowedMonthlyDowntimeMinutes = 21.6
)

// Store is the slice of the persistence layer the metrics engine reads.
type Store interface {
	IncidentsByService(ctx context.Context, service string, n int) ([]store.Incident, error)
	Incidents(ctx context.Context, n int) ([]store.Incident, error)
	RecentChecks(ctx context.Context, service string, n int) ([]store.HealthCheck, error)
}

// Stat is an avg/min/max triple in seconds. Nil when no samples exist.
type Stat struct {
	AvgSeconds *float64 `json:"avg_seconds"`
	MinSeconds *float64 `json:"min_seconds"`
	MaxSeconds *float64 `json:"max_seconds"`
}

// IncidentCounts breaks a service's incidents down by state.
type IncidentCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Resolved int `json:"resolved"`
}

// Availability is the windowed uptime figure. Percent is nil when the
// window has zero duration.
type Availability struct {
	Percent              *float64 `json:"percent"`
	TotalDowntimeSeconds float64  `json:"total_downtime_seconds"`
}

// CheckStats summarizes the most recent stored checks of a service.
type CheckStats struct {
	Total        int      `json:"total"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	SuccessRate  float64  `json:"success_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
}

// ServiceMetrics is the full per-service report.
type ServiceMetrics struct {
	Service        string         `json:"service"`
	Incidents      IncidentCounts `json:"incidents"`
	MTTD           Stat           `json:"mttd"`
	MTTR           Stat           `json:"mttr"`
	MTBFAvgSeconds *float64       `json:"mtbf_avg_seconds"`
	Availability   Availability   `json:"availability"`
	HealthChecks   CheckStats     `json:"health_checks"`
}

// GlobalMetrics is the fleet-wide rollup.
type GlobalMetrics struct {
	TotalIncidents  int          `json:"total_incidents"`
	ActiveIncidents int          `json:"active_incidents"`
	MTTDAvgSeconds  *float64     `json:"mttd_avg_seconds"`
	MTTRAvgSeconds  *float64     `json:"mttr_avg_seconds"`
	Availability    Availability `json:"availability"`
}

// ExperimentSummary is the compliance projection: observed downtime in the
// window extrapolated to a 30-day month and compared to the budget.
type ExperimentSummary struct {
	WindowHours                     float64  `json:"experiment_window_hours"`
	Timestamp                       string   `json:"timestamp"`
	MTTDAvgSeconds                  *float64 `json:"mttd_avg_seconds"`
	MTTRAvgSeconds                  *float64 `json:"mttr_avg_seconds"`
	AvailabilityPercent             *float64 `json:"availability_percent"`
	ObservedDowntimeSeconds         float64  `json:"observed_downtime_seconds"`
	ProjectedMonthlyDowntimeMinutes float64  `json:"projected_monthly_downtime_minutes"`
	AllowedMonthlyDowntimeMinutes   float64  `json:"allowed_monthly_downtime_minutes"`
	MarginMinutes                   float64  `json:"margin_minutes"`
	Compliant                       bool     `json:"compliant"`
}

// Engine computes metrics on demand from the store.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates a metrics engine.
func NewEngine(st Store) *Engine {
	return &Engine{store: st, now: time.Now}
}

// ServiceMetrics computes the full report for one service over a window.
func (e *Engine) ServiceMetrics(ctx context.Context, service string, windowHours float64) (ServiceMetrics, error) {
	m := ServiceMetrics{Service: service}

	incidents, err := e.store.IncidentsByService(ctx, service, incidentSample)
	if err != nil {
		return m, fmt.Errorf("service metrics for %s: %w", service, err)
	}
	checks, err := e.store.RecentChecks(ctx, service, checkSample)
	if err != nil {
		return m, fmt.Errorf("service metrics for %s: %w", service, err)
	}

	now := e.now().UTC()
	windowed := windowFilter(incidents, now, windowHours)

	var resolved []store.Incident
	for _, inc := range windowed {
		if inc.IsActive() {
			m.Incidents.Active++
		} else {
			m.Incidents.Resolved++
			resolved = append(resolved, inc)
		}
	}
	m.Incidents.Total = len(windowed)

	m.MTTD = mttd(windowed)
	m.MTTR = mttr(resolved)
	m.MTBFAvgSeconds = mtbf(resolved)
	m.Availability = availability(windowed, now, windowHours)
	m.HealthChecks = checkStats(checks)
	return m, nil
}

// AllMetrics computes per-service reports for every named service plus the
// fleet rollup.
func (e *Engine) AllMetrics(ctx context.Context, services []string, windowHours float64) (map[string]ServiceMetrics, GlobalMetrics, error) {
	perService := make(map[string]ServiceMetrics, len(services))
	for _, service := range services {
		m, err := e.ServiceMetrics(ctx, service, windowHours)
		if err != nil {
			return nil, GlobalMetrics{}, err
		}
		perService[service] = m
	}

	incidents, err := e.store.Incidents(ctx, globalSample)
	if err != nil {
		return nil, GlobalMetrics{}, fmt.Errorf("global metrics: %w", err)
	}

	now := e.now().UTC()
	windowed := windowFilter(incidents, now, windowHours)

	var resolved []store.Incident
	global := GlobalMetrics{TotalIncidents: len(windowed)}
	for _, inc := range windowed {
		if inc.IsActive() {
			global.ActiveIncidents++
		} else {
			resolved = append(resolved, inc)
		}
	}
	global.MTTDAvgSeconds = mttd(windowed).AvgSeconds
	global.MTTRAvgSeconds = mttr(resolved).AvgSeconds
	global.Availability = availability(windowed, now, windowHours)
	return perService, global, nil
}

// Experiment projects the window's observed downtime to a 30-day month and
// reports compliance against the budget.
func (e *Engine) Experiment(ctx context.Context, services []string, windowHours float64) (ExperimentSummary, error) {
	_, global, err := e.AllMetrics(ctx, services, windowHours)
	if err != nil {
		return ExperimentSummary{}, err
	}

	summary := ExperimentSummary{
		WindowHours:                   windowHours,
		Timestamp:                     e.now().UTC().Format(time.RFC3339),
		MTTDAvgSeconds:                global.MTTDAvgSeconds,
		MTTRAvgSeconds:                global.MTTRAvgSeconds,
		AvailabilityPercent:           global.Availability.Percent,
		ObservedDowntimeSeconds:       global.Availability.TotalDowntimeSeconds,
		AllowedMonthlyDowntimeMinutes: AllowedMonthlyDowntimeMinutes,
	}

	windowSeconds := windowHours * 3600
	if windowSeconds > 0 {
		const monthSeconds = 30 * 24 * 3600
		projected := global.Availability.TotalDowntimeSeconds / windowSeconds * monthSeconds
		summary.ProjectedMonthlyDowntimeMinutes = projected / 60
	}
	summary.MarginMinutes = AllowedMonthlyDowntimeMinutes - summary.ProjectedMonthlyDowntimeMinutes
	summary.Compliant = summary.ProjectedMonthlyDowntimeMinutes <= AllowedMonthlyDowntimeMinutes
	return summary, nil
}

// windowFilter keeps incidents whose active interval overlaps the window
// [now-W, now]. A zero or negative window keeps nothing.
func windowFilter(incidents []store.Incident, now time.Time, windowHours float64) []store.Incident {
	if windowHours <= 0 {
		return nil
	}
	windowStart := now.Add(-time.Duration(windowHours * float64(time.Hour)))

	var out []store.Incident
	for _, inc := range incidents {
		if inc.ResolvedAt != nil && inc.ResolvedAt.Before(windowStart) {
			continue
		}
		if inc.StartedAt.After(now) {
			continue
		}
		out = append(out, inc)
	}
	return out
}

func mttd(incidents []store.Incident) Stat {
	var values []float64
	for _, inc := range incidents {
		values = append(values, inc.MTTDSeconds)
	}
	return stat(values)
}

func mttr(resolved []store.Incident) Stat {
	var values []float64
	for _, inc := range resolved {
		if inc.MTTRSeconds != nil {
			values = append(values, *inc.MTTRSeconds)
		}
	}
	return stat(values)
}

// mtbf averages the gap between one incident's resolution and the next
// incident's start, over resolved incidents in start order. Non-positive
// gaps are discarded; fewer than two resolved incidents means undefined.
func mtbf(resolved []store.Incident) *float64 {
	if len(resolved) < 2 {
		return nil
	}
	ordered := make([]store.Incident, len(resolved))
	copy(ordered, resolved)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})

	var gaps []float64
	for i := 1; i < len(ordered); i++ {
		gap := ordered[i].StartedAt.Sub(*ordered[i-1].ResolvedAt).Seconds()
		if gap > 0 {
			gaps = append(gaps, gap)
		}
	}
	if len(gaps) == 0 {
		return nil
	}
	avg := mean(gaps)
	return &avg
}

// availability sums each incident's overlap with [now-W, now]; still-open
// incidents run to now. Downtime is clamped to the window.
func availability(incidents []store.Incident, now time.Time, windowHours float64) Availability {
	windowSeconds := windowHours * 3600
	if windowSeconds <= 0 {
		return Availability{}
	}
	windowStart := now.Add(-time.Duration(windowHours * float64(time.Hour)))

	var downtime float64
	for _, inc := range incidents {
		start := inc.StartedAt
		if start.Before(windowStart) {
			start = windowStart
		}
		end := now
		if inc.ResolvedAt != nil && inc.ResolvedAt.Before(now) {
			end = *inc.ResolvedAt
		}
		if d := end.Sub(start).Seconds(); d > 0 {
			downtime += d
		}
	}
	if downtime > windowSeconds {
		downtime = windowSeconds
	}

	percent := (windowSeconds - downtime) / windowSeconds * 100
	return Availability{Percent: &percent, TotalDowntimeSeconds: downtime}
}

func checkStats(checks []store.HealthCheck) CheckStats {
	stats := CheckStats{Total: len(checks), SuccessRate: 100}

	var latencies []float64
	for _, c := range checks {
		if c.IsFailure() {
			stats.Failed++
		} else {
			stats.Successful++
		}
		if c.LatencyMS != nil {
			latencies = append(latencies, *c.LatencyMS)
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	if len(latencies) > 0 {
		avg := mean(latencies)
		stats.AvgLatencyMS = &avg
	}
	return stats
}

func stat(values []float64) Stat {
	if len(values) == 0 {
		return Stat{}
	}
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	avg := mean(values)
	return Stat{AvgSeconds: &avg, MinSeconds: &minV, MaxSeconds: &maxV}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
