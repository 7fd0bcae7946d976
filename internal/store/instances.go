package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zapdesk/internal/models"
)

const instanceColumns = `id, name, organization_id, user_id, state, pairing_code, last_heartbeat_at, created_at, updated_at`

// CreateInstance inserts a new instance. A name that is already taken yields ErrDuplicate.
func (s *Store) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.State == "" {
		inst.State = models.StateCreated
	}
	now := s.clock()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	if _, err := s.GetInstanceByName(ctx, inst.Name); err == nil {
		return fmt.Errorf("instance %q: %w", inst.Name, ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err := s.exec(ctx, `INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Name, inst.OrganizationID, inst.UserID, inst.State, inst.PairingCode,
		inst.LastHeartbeatAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	if err := s.get(ctx, &inst, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) GetInstanceByName(ctx context.Context, name string) (*models.Instance, error) {
	var inst models.Instance
	if err := s.get(ctx, &inst, `SELECT `+instanceColumns+` FROM instances WHERE name = ?`, name); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	if err := s.selectAll(ctx, &out, `SELECT `+instanceColumns+` FROM instances ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateInstanceState(ctx context.Context, id string, state models.ConnectionState) error {
	n, err := s.exec(ctx, `UPDATE instances SET state = ?, updated_at = ? WHERE id = ?`, state, s.clock(), id)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateInstancePairingCode(ctx context.Context, id, code string) error {
	n, err := s.exec(ctx, `UPDATE instances SET pairing_code = ?, updated_at = ? WHERE id = ?`, code, s.clock(), id)
	if err != nil {
		return fmt.Errorf("update pairing code: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	n, err := s.exec(ctx, `UPDATE instances SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?`, at, s.clock(), id)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrganizationSettings returns ErrNotFound when the organization never saved settings.
func (s *Store) GetOrganizationSettings(ctx context.Context, orgID string) (*models.OrganizationSettings, error) {
	var out models.OrganizationSettings
	err := s.get(ctx, &out, `SELECT organization_id, auto_reply_enabled, business_hours, timezone, updated_at
		FROM organization_settings WHERE organization_id = ?`, orgID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) SaveOrganizationSettings(ctx context.Context, settings *models.OrganizationSettings) error {
	settings.UpdatedAt = s.clock()
	_, err := s.exec(ctx, `INSERT INTO organization_settings (organization_id, auto_reply_enabled, business_hours, timezone, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			auto_reply_enabled = excluded.auto_reply_enabled,
			business_hours = excluded.business_hours,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		settings.OrganizationID, settings.AutoReplyEnabled, settings.BusinessHours, settings.Timezone, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save organization settings: %w", err)
	}
	return nil
}
