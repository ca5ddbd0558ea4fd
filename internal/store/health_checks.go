package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendCheck persists one health check, assigns its monotonic ID, and
// returns it. The row is never mutated afterwards.
func (s *Store) AppendCheck(ctx context.Context, c *HealthCheck) (int64, error) {
	var latency sql.NullFloat64
	if c.LatencyMS != nil {
		latency = sql.NullFloat64{Float64: *c.LatencyMS, Valid: true}
	}
	var code sql.NullInt64
	if c.HTTPCode != nil {
		code = sql.NullInt64{Int64: int64(*c.HTTPCode), Valid: true}
	}

	res, err := s.execRetry(ctx,
		`INSERT INTO health_checks(service, request_id, status, latency_ms, http_code, timestamp, is_timeout)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Service, c.RequestID, c.Status, latency, code, fmtTime(c.Timestamp), boolInt(c.IsTimeout),
	)
	if err != nil {
		return 0, fmt.Errorf("append health check: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append health check: %w", err)
	}
	c.ID = id
	return id, nil
}

// RecentChecks returns the last n checks for a service, newest first.
func (s *Store) RecentChecks(ctx context.Context, service string, n int) ([]HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, request_id, status, latency_ms, http_code, timestamp, is_timeout
		 FROM health_checks
		 WHERE service = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		service, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent checks: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows)
}

// RecentChecksAll returns the last n checks across every service, newest
// first.
func (s *Store) RecentChecksAll(ctx context.Context, n int) ([]HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, request_id, status, latency_ms, http_code, timestamp, is_timeout
		 FROM health_checks
		 ORDER BY id DESC
		 LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent checks: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows)
}

// ConsecutiveFailures walks a service's checks newest-first, counting while
// IsFailure holds, stopping at the first non-failure or after cap checks. It
// returns the streak length and the timestamp of the oldest check in the
// streak (zero time when the streak is empty).
func (s *Store) ConsecutiveFailures(ctx context.Context, service string, cap int) (int, time.Time, error) {
	checks, err := s.RecentChecks(ctx, service, cap)
	if err != nil {
		return 0, time.Time{}, err
	}

	count := 0
	var firstFailure time.Time
	for _, c := range checks {
		if !c.IsFailure() {
			break
		}
		count++
		firstFailure = c.Timestamp
	}
	return count, firstFailure, nil
}

func scanChecks(rows *sql.Rows) ([]HealthCheck, error) {
	var out []HealthCheck
	for rows.Next() {
		var (
			c       HealthCheck
			latency sql.NullFloat64
			code    sql.NullInt64
			ts      string
			timeout int
		)
		if err := rows.Scan(&c.ID, &c.Service, &c.RequestID, &c.Status, &latency, &code, &ts, &timeout); err != nil {
			return nil, fmt.Errorf("scan health check: %w", err)
		}
		if latency.Valid {
			v := latency.Float64
			c.LatencyMS = &v
		}
		if code.Valid {
			v := int(code.Int64)
			c.HTTPCode = &v
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		c.Timestamp = t
		c.IsTimeout = timeout != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan health checks: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
