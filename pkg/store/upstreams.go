package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/google/uuid"
)

// PutUpstream inserts inst for tenant, or replaces the upstream of the same
// name in place. A missing ID is generated; an existing row keeps its ID and
// position. The stored instance is returned.
func (s *Store) PutUpstream(ctx context.Context, tenant string, inst upstream.Instance) (upstream.Instance, error) {
	args, err := marshalNullable(inst.Args)
	if err != nil {
		return upstream.Instance{}, fmt.Errorf("marshaling args: %w", err)
	}
	env, err := marshalNullable(inst.Env)
	if err != nil {
		return upstream.Instance{}, fmt.Errorf("marshaling env: %w", err)
	}
	headers, err := marshalNullable(inst.Headers)
	if err != nil {
		return upstream.Instance{}, fmt.Errorf("marshaling headers: %w", err)
	}
	inst.Transport = inst.TransportOf()
	now := time.Now().UTC().Format(tsLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return upstream.Instance{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM upstreams WHERE tenant = ? AND name = ?`, tenant, inst.Name).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO upstreams (id, tenant, name, position, transport, endpoint, command, args_json, env_json,
				headers_json, credentials_ref, enabled, timeout_ms, created_at, updated_at)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM upstreams WHERE tenant = ?),
				?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, inst.ID, tenant, inst.Name, tenant,
			inst.Transport, inst.Endpoint, inst.Command, args, env,
			headers, inst.CredentialsRef, inst.Enabled, inst.Timeout.Milliseconds(), now, now)
		if err != nil {
			return upstream.Instance{}, fmt.Errorf("inserting upstream: %w", err)
		}
	case err != nil:
		return upstream.Instance{}, fmt.Errorf("looking up upstream: %w", err)
	default:
		inst.ID = existingID
		_, err = tx.ExecContext(ctx, `
			UPDATE upstreams SET transport = ?, endpoint = ?, command = ?, args_json = ?, env_json = ?,
				headers_json = ?, credentials_ref = ?, enabled = ?, timeout_ms = ?, updated_at = ?
			WHERE id = ?
		`, inst.Transport, inst.Endpoint, inst.Command, args, env,
			headers, inst.CredentialsRef, inst.Enabled, inst.Timeout.Milliseconds(), now, existingID)
		if err != nil {
			return upstream.Instance{}, fmt.Errorf("updating upstream: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return upstream.Instance{}, fmt.Errorf("committing upstream: %w", err)
	}

	s.logger.Debug("stored upstream", "tenant", tenant, "upstream", inst.Name, "id", inst.ID)
	return inst, nil
}

// DeleteUpstream removes the named upstream of tenant.
func (s *Store) DeleteUpstream(ctx context.Context, tenant, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upstreams WHERE tenant = ? AND name = ?`, tenant, name)
	if err != nil {
		return fmt.Errorf("deleting upstream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upstreams returns tenant's upstreams in insertion order.
func (s *Store) Upstreams(ctx context.Context, tenant string) ([]upstream.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, transport, endpoint, command, args_json, env_json, headers_json,
			credentials_ref, enabled, timeout_ms
		FROM upstreams WHERE tenant = ? ORDER BY position
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("querying upstreams: %w", err)
	}
	defer rows.Close()

	var out []upstream.Instance
	for rows.Next() {
		var (
			inst               upstream.Instance
			transport          string
			args, env, headers sql.NullString
			timeoutMS          int64
		)
		if err := rows.Scan(&inst.ID, &inst.Name, &transport, &inst.Endpoint, &inst.Command,
			&args, &env, &headers, &inst.CredentialsRef, &inst.Enabled, &timeoutMS); err != nil {
			return nil, fmt.Errorf("scanning upstream: %w", err)
		}
		inst.Transport = upstream.TransportKind(transport)
		inst.Timeout = time.Duration(timeoutMS) * time.Millisecond
		if err := unmarshalNullable(args, &inst.Args); err != nil {
			return nil, fmt.Errorf("decoding args of %s: %w", inst.Name, err)
		}
		if err := unmarshalNullable(env, &inst.Env); err != nil {
			return nil, fmt.Errorf("decoding env of %s: %w", inst.Name, err)
		}
		if err := unmarshalNullable(headers, &inst.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers of %s: %w", inst.Name, err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upstreams: %w", err)
	}
	return out, nil
}

// Tenants lists every tenant that has at least one upstream.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM upstreams ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		out = append(out, tenant)
	}
	return out, rows.Err()
}

// Seed stores the instances of tenant that are not registered yet and
// returns how many were added. Existing rows are left alone.
func (s *Store) Seed(ctx context.Context, tenant string, insts []upstream.Instance) (int, error) {
	existing, err := s.Upstreams(ctx, tenant)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, inst := range existing {
		known[inst.Name] = struct{}{}
	}
	added := 0
	for _, inst := range insts {
		if _, ok := known[inst.Name]; ok {
			continue
		}
		if _, err := s.PutUpstream(ctx, tenant, inst); err != nil {
			return added, fmt.Errorf("seeding %s: %w", inst.Name, err)
		}
		added++
	}
	return added, nil
}

// TenantSource serves one tenant's upstreams to a router.
type TenantSource struct {
	Store  *Store
	Tenant string
}

// Upstreams satisfies router.Source.
func (t TenantSource) Upstreams(ctx context.Context) ([]upstream.Instance, error) {
	return t.Store.Upstreams(ctx, t.Tenant)
}

// marshalNullable encodes v as JSON, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshalNullable(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
