package normalizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/events"
	"zapdesk/internal/instances"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

// PresencePayload is emitted with presence:update.
type PresencePayload struct {
	InstanceID    string `json:"instanceId"`
	RemoteAddress string `json:"remoteAddress"`
	Presence      string `json:"presence"`
}

// ChatPayload is emitted with chat:update.
type ChatPayload struct {
	InstanceID    string `json:"instanceId"`
	RemoteAddress string `json:"remoteAddress"`
	UnreadCount   int    `json:"unreadCount"`
	Archived      bool   `json:"archived"`
}

func (n *Normalizer) handleConnection(ctx context.Context, inst *models.Instance, c events.ConnectionUpdate) Result {
	if c.State == "" {
		return ignored("connection update without state")
	}
	if err := n.store.UpdateInstanceState(ctx, inst.ID, c.State); err != nil {
		return failed(fmt.Errorf("update state: %w", err))
	}
	inst.State = c.State

	if c.State == models.StateOpen {
		if err := n.store.RecordHeartbeat(ctx, inst.ID, n.now()); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("Could not store heartbeat")
		}
		if n.health != nil {
			n.health.MarkReconnected(ctx, inst.ID)
		}
	}

	_ = n.notifier.Emit(ctx, notifier.EventWhatsAppStatus, notifier.Org(inst.OrganizationID), instances.StatusPayload{
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		State:        c.State,
		Reason:       c.Reason,
	})
	return processed("instance " + string(c.State))
}

func (n *Normalizer) handleQR(ctx context.Context, inst *models.Instance, q events.QRUpdate) Result {
	if q.Code == "" && q.Image == "" {
		return ignored("empty qr code")
	}
	image := q.Image
	if image == "" {
		var err error
		if image, err = media.RenderQR(q.Code); err != nil {
			return failed(err)
		}
	}
	if q.Code != "" {
		if err := n.store.UpdateInstancePairingCode(ctx, inst.ID, q.Code); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("Could not store pairing code")
		}
	}
	_ = n.notifier.Emit(ctx, notifier.EventWhatsAppQRCode, notifier.Org(inst.OrganizationID), instances.QRPayload{
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		QRCode:       image,
	})
	return processed("qr code forwarded")
}

func (n *Normalizer) handlePresence(ctx context.Context, inst *models.Instance, p events.PresenceUpdate) Result {
	_ = n.notifier.Emit(ctx, notifier.EventPresenceUpdate, notifier.Org(inst.OrganizationID), PresencePayload{
		InstanceID:    inst.ID,
		RemoteAddress: p.RemoteAddress,
		Presence:      p.Presence,
	})
	return processed("presence forwarded")
}

func (n *Normalizer) handleChat(ctx context.Context, inst *models.Instance, c events.ChatUpdate) Result {
	_ = n.notifier.Emit(ctx, notifier.EventChatUpdate, notifier.Org(inst.OrganizationID), ChatPayload{
		InstanceID:    inst.ID,
		RemoteAddress: c.RemoteAddress,
		UnreadCount:   c.UnreadCount,
		Archived:      c.Archived,
	})
	return processed("chat update forwarded")
}

func (n *Normalizer) handleContact(ctx context.Context, inst *models.Instance, c events.ContactUpdate) Result {
	if c.Name == "" || c.RemoteAddress == "" {
		return ignored("contact update without name")
	}
	err := n.store.UpdateContactName(ctx, inst.ID, c.RemoteAddress, c.Name)
	if errors.Is(err, store.ErrNotFound) {
		return ignored("unknown contact")
	}
	if err != nil {
		return failed(err)
	}
	return processed("contact renamed")
}
