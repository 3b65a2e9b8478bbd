package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"autopilot-core/internal/models"
)

// GetTenant fetches one tenant with its config decoded.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, tier, active, config, created_at, updated_at FROM tenants WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrNotFound
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListActiveTenants returns every tenant with an active subscription, the
// population the operator cycle walks.
func (s *Store) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, tier, active, config, created_at, updated_at
		FROM tenants WHERE active = TRUE ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetTenantMaintenance stamps the last run of a named maintenance task in
// the tenant's config blob.
func (s *Store) SetTenantMaintenance(ctx context.Context, tenantID, task string, at time.Time) error {
	stamp, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal maintenance stamp: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tenants
		SET config = jsonb_set(config, ARRAY['maintenance', $2::text], $3::jsonb, TRUE),
		    updated_at = NOW()
		WHERE id = $1
	`, tenantID, task, stamp)
	if err != nil {
		return fmt.Errorf("set tenant maintenance: %w", err)
	}
	return nil
}

// ListIntegrations returns all integrations for a tenant.
func (s *Store) ListIntegrations(ctx context.Context, tenantID string) ([]models.Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, type, status, last_error, created_at, updated_at
		FROM integrations WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var items []models.Integration
	for rows.Next() {
		var it models.Integration
		var lastErr *string
		if err := rows.Scan(&it.ID, &it.TenantID, &it.Type, &it.Status, &lastErr, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		it.LastError = lastErr
		items = append(items, it)
	}
	return items, rows.Err()
}

// ResetErroredIntegrations flips errored integrations back to inactive so the
// next use re-attempts the connection. The operator's retry_integration
// remediation.
func (s *Store) ResetErroredIntegrations(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations SET status = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND status = $3
	`, models.IntegrationInactive, tenantID, models.IntegrationError)
	if err != nil {
		return 0, fmt.Errorf("reset errored integrations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTenant(row rowScanner) (models.Tenant, error) {
	var t models.Tenant
	var cfg []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.Active, &cfg, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Tenant{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return models.Tenant{}, fmt.Errorf("decode tenant config: %w", err)
		}
	}
	return t, nil
}
