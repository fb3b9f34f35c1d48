package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one routed request. Arguments and results are never
// stored.
type AuditEntry struct {
	ID        string
	Tenant    string
	RequestID string
	Method    string
	Tool      string
	Upstream  string
	// Outcome is "success" or an error kind.
	Outcome   string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Tenant   string
	Upstream string
	Since    time.Time
	Limit    int // default 100, max 1000
}

// AppendAudit appends a new entry to the audit log, generating ID and
// Timestamp if not set.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, tenant, request_id, method, tool, upstream, outcome, duration_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Tenant, e.RequestID, e.Method, e.Tool, e.Upstream, e.Outcome,
		e.Duration.Milliseconds(), e.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Upstream != "" {
		where = append(where, "upstream = ?")
		args = append(args, f.Upstream)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	query := `SELECT audit_id, tenant, request_id, method, tool, upstream, outcome, duration_ms, ts FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeAuditLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			durationMS int64
			ts         string
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.RequestID, &e.Method, &e.Tool, &e.Upstream, &e.Outcome, &durationMS, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Timestamp, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
