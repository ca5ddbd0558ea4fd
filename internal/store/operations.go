package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveOperation inserts or replaces an operation row.
func (s *Store) SaveOperation(ctx context.Context, op *Operation) error {
	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}
	_, err := s.execRetry(ctx,
		`INSERT OR REPLACE INTO operations(id, type, payload, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, payload, op.Status, nullString(op.Error),
		fmtTime(op.CreatedAt), fmtTime(op.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation returns one operation by ID, or ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, payload, status, error, created_at, updated_at
		 FROM operations WHERE id = ?`,
		id,
	)

	var (
		op      Operation
		payload sql.NullString
		opErr   sql.NullString
		created string
		updated string
	)
	err := row.Scan(&op.ID, &op.Type, &payload, &op.Status, &opErr, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}

	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	if opErr.Valid {
		v := opErr.String
		op.Error = &v
	}
	if op.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if op.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateOperationStatus advances an operation's status, recording the error
// text when the new status is FAILED.
func (s *Store) UpdateOperationStatus(ctx context.Context, id, status string, opErr *string) error {
	_, err := s.execRetry(ctx,
		`UPDATE operations SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(opErr), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}
