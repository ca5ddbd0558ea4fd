package store

import (
	"context"
	"database/sql"
	"fmt"
)

// OpenIncident persists a new incident and returns its ID. The caller is
// responsible for ensuring no other incident is open for the same service.
func (s *Store) OpenIncident(ctx context.Context, inc *Incident) (int64, error) {
	res, err := s.execRetry(ctx,
		`INSERT INTO incidents(service, started_at, detected_at, resolved_at, severity,
			consecutive_failures, resolution_action, mttd_seconds, mttr_seconds, detect_check_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Service, fmtTime(inc.StartedAt), fmtTime(inc.DetectedAt), nullTime(inc.ResolvedAt),
		inc.Severity, inc.ConsecutiveFailures, nullString(inc.ResolutionAction),
		inc.MTTDSeconds, nullFloat(inc.MTTRSeconds), inc.DetectCheckID,
	)
	if err != nil {
		return 0, fmt.Errorf("open incident: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("open incident: %w", err)
	}
	inc.ID = id
	return id, nil
}

// ResolveIncident writes the closing fields of an incident. Only resolution
// fields are touched; everything set at open stays as written.
func (s *Store) ResolveIncident(ctx context.Context, inc *Incident) error {
	_, err := s.execRetry(ctx,
		`UPDATE incidents
		 SET resolved_at = ?, resolution_action = ?, mttr_seconds = ?
		 WHERE id = ?`,
		nullTime(inc.ResolvedAt), nullString(inc.ResolutionAction), nullFloat(inc.MTTRSeconds), inc.ID,
	)
	if err != nil {
		return fmt.Errorf("resolve incident %d: %w", inc.ID, err)
	}
	return nil
}

// ActiveIncident returns the newest open incident for a service, or nil when
// the service is healthy.
func (s *Store) ActiveIncident(ctx context.Context, service string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx,
		incidentSelect+`
		 WHERE service = ? AND resolved_at IS NULL
		 ORDER BY id DESC
		 LIMIT 1`,
		service,
	)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active incident: %w", err)
	}
	return inc, nil
}

// ActiveIncidents returns every open incident, newest first.
func (s *Store) ActiveIncidents(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		incidentSelect+`
		 WHERE resolved_at IS NULL
		 ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// IncidentsByService returns the last n incidents for a service, newest
// first.
func (s *Store) IncidentsByService(ctx context.Context, service string, n int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		incidentSelect+`
		 WHERE service = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		service, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// Incidents returns the last n incidents across every service, newest first.
func (s *Store) Incidents(ctx context.Context, n int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		incidentSelect+`
		 ORDER BY id DESC
		 LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

const incidentSelect = `SELECT id, service, started_at, detected_at, resolved_at, severity,
	consecutive_failures, resolution_action, mttd_seconds, mttr_seconds, detect_check_id
	FROM incidents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		inc      Incident
		started  string
		detected string
		resolved sql.NullString
		action   sql.NullString
		mttr     sql.NullFloat64
	)
	err := row.Scan(&inc.ID, &inc.Service, &started, &detected, &resolved, &inc.Severity,
		&inc.ConsecutiveFailures, &action, &inc.MTTDSeconds, &mttr, &inc.DetectCheckID)
	if err != nil {
		return nil, err
	}

	if inc.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if inc.DetectedAt, err = parseTime(detected); err != nil {
		return nil, err
	}
	if resolved.Valid {
		t, err := parseTime(resolved.String)
		if err != nil {
			return nil, err
		}
		inc.ResolvedAt = &t
	}
	if action.Valid {
		v := action.String
		inc.ResolutionAction = &v
	}
	if mttr.Valid {
		v := mttr.Float64
		inc.MTTRSeconds = &v
	}
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan incidents: %w", err)
	}
	return out, nil
}
