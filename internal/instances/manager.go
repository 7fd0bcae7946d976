// Package instances owns the instance lifecycle: first-connect creation,
// pairing and logout.
package instances

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	GetInstanceByName(ctx context.Context, name string) (*models.Instance, error)
	UpdateInstanceState(ctx context.Context, id string, state models.ConnectionState) error
	UpdateInstancePairingCode(ctx context.Context, id, code string) error
}

// QRPayload is emitted with whatsapp:qrcode.
type QRPayload struct {
	InstanceID   string `json:"instanceId"`
	InstanceName string `json:"instanceName"`
	QRCode       string `json:"qrCode"`
	PairingCode  string `json:"pairingCode,omitempty"`
}

// StatusPayload is emitted with whatsapp:status.
type StatusPayload struct {
	InstanceID   string                 `json:"instanceId"`
	InstanceName string                 `json:"instanceName"`
	State        models.ConnectionState `json:"state"`
	Reason       string                 `json:"reason,omitempty"`
}

type Manager struct {
	store    Store
	gateway  gateway.Gateway
	notifier notifier.Notifier
}

func NewManager(s Store, gw gateway.Gateway, n notifier.Notifier) *Manager {
	if n == nil {
		n = notifier.Nop{}
	}
	return &Manager{store: s, gateway: gw, notifier: n}
}

// ConnectResult is what a caller needs to show the pairing screen.
type ConnectResult struct {
	Instance *models.Instance `json:"instance"`
	Created  bool             `json:"created"`
	QRCode   string           `json:"qrCode,omitempty"`
	Pairing  string           `json:"pairingCode,omitempty"`
}

// Connect creates the instance on first use, then starts pairing with the
// gateway and stores the pairing code. An instance name already owned by
// another organization is rejected.
func (m *Manager) Connect(ctx context.Context, orgID, userID, name string) (*ConnectResult, error) {
	if orgID == "" || name == "" {
		return nil, errors.New("organization and instance name are required")
	}

	inst, err := m.store.GetInstanceByName(ctx, name)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := m.gateway.CreateInstance(ctx, name); err != nil {
			return nil, fmt.Errorf("create instance %s: %w", name, err)
		}
		inst = &models.Instance{Name: name, OrganizationID: orgID, UserID: userID, State: models.StateCreated}
		if err := m.store.CreateInstance(ctx, inst); err != nil {
			return nil, fmt.Errorf("save instance %s: %w", name, err)
		}
		created = true
		log.Info().Str("instance", name).Str("organization", orgID).Msg("Instance created")
	case err != nil:
		return nil, fmt.Errorf("load instance %s: %w", name, err)
	case inst.OrganizationID != orgID:
		return nil, fmt.Errorf("instance %s: %w", name, store.ErrDuplicate)
	}

	res, err := m.pair(ctx, inst)
	if err != nil {
		return nil, err
	}
	res.Created = created
	return res, nil
}

// Reconnect restarts pairing for an existing instance.
func (m *Manager) Reconnect(ctx context.Context, instanceID string) error {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	_, err = m.pair(ctx, inst)
	return err
}

func (m *Manager) pair(ctx context.Context, inst *models.Instance) (*ConnectResult, error) {
	p, err := m.gateway.Connect(ctx, inst.Name)
	if err != nil {
		return nil, fmt.Errorf("connect instance %s: %w", inst.Name, err)
	}
	if err := m.store.UpdateInstanceState(ctx, inst.ID, models.StateConnecting); err != nil {
		return nil, err
	}
	inst.State = models.StateConnecting

	res := &ConnectResult{Instance: inst, Pairing: p.PairingCode}
	if p.Code == "" && p.Image == "" {
		// already paired, the provider resumed the session
		return res, nil
	}
	if err := m.store.UpdateInstancePairingCode(ctx, inst.ID, p.Code); err != nil {
		return nil, err
	}
	inst.PairingCode = p.Code

	res.QRCode = p.Image
	if res.QRCode == "" {
		if res.QRCode, err = media.RenderQR(p.Code); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("Could not render pairing QR")
		}
	}
	_ = m.notifier.Emit(ctx, notifier.EventWhatsAppQRCode, notifier.Org(inst.OrganizationID), QRPayload{
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		QRCode:       res.QRCode,
		PairingCode:  p.PairingCode,
	})
	return res, nil
}

// Logout ends the provider session and marks the instance closed.
func (m *Manager) Logout(ctx context.Context, instanceID string) error {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if err := m.gateway.Logout(ctx, inst.Name); err != nil && !errors.Is(err, gateway.ErrInstanceNotFound) {
		return fmt.Errorf("logout instance %s: %w", inst.Name, err)
	}
	if err := m.store.UpdateInstanceState(ctx, inst.ID, models.StateClosed); err != nil {
		return err
	}
	_ = m.notifier.Emit(ctx, notifier.EventWhatsAppStatus, notifier.Org(inst.OrganizationID), StatusPayload{
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		State:        models.StateClosed,
		Reason:       "logout",
	})
	log.Info().Str("instance", inst.Name).Msg("Instance logged out")
	return nil
}
