package normalizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/events"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

// MessagePayload is emitted with new_message.
type MessagePayload struct {
	Message      *models.Message      `json:"message"`
	Conversation *models.Conversation `json:"conversation"`
	Contact      *models.Contact      `json:"contact"`
}

// StatusPayload is emitted with message:status.
type StatusPayload struct {
	InstanceID string               `json:"instanceId"`
	ExternalID string               `json:"externalId"`
	Status     models.MessageStatus `json:"status"`
}

func seenKey(instanceID, externalID string) string {
	return instanceID + ":" + externalID
}

func (n *Normalizer) handleMessage(ctx context.Context, inst *models.Instance, ev events.Event, m events.InboundMessage) Result {
	if m.ExternalID == "" {
		return ignored("message without id")
	}
	if m.RemoteAddress == "" {
		return ignored("message without sender")
	}

	key := seenKey(inst.ID, m.ExternalID)
	if _, ok := n.seen.Get(key); ok {
		return duplicate()
	}
	exists, err := n.store.MessageExists(ctx, inst.ID, m.ExternalID)
	if err != nil {
		return failed(err)
	}
	if exists {
		n.seen.Set(key, struct{}{}, cache.DefaultExpiration)
		return duplicate()
	}

	name := m.PushName
	if m.FromMe {
		// our own push name, not the contact's
		name = ""
	}
	contact, err := n.store.FindOrCreateContact(ctx, inst.OrganizationID, inst.ID, m.RemoteAddress, name)
	if err != nil {
		return failed(fmt.Errorf("contact: %w", err))
	}
	conv, _, err := n.store.FindOrCreateConversation(ctx, inst.OrganizationID, inst.ID, contact.ID)
	if err != nil {
		return failed(fmt.Errorf("conversation: %w", err))
	}

	at := m.Timestamp
	if at.IsZero() {
		at = ev.ReceivedAt
	}
	if at.IsZero() {
		at = n.now()
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		InstanceID:     inst.ID,
		Direction:      models.DirectionInbound,
		Type:           m.Type,
		Content:        m.Text,
		ExternalID:     m.ExternalID,
		Status:         models.MessageReceived,
		Timestamp:      at.UTC(),
	}
	if msg.Type == "" {
		msg.Type = models.TypeText
	}
	if m.FromMe {
		msg.Direction = models.DirectionOutbound
		msg.Status = models.MessageSent
	}
	if m.Media != nil {
		if msg.Content == "" {
			msg.Content = m.Media.Caption
		}
		msg.MediaURL = n.storeMedia(ctx, inst, contact, m)
	}

	if err := n.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			n.seen.Set(key, struct{}{}, cache.DefaultExpiration)
			return duplicate()
		}
		return failed(fmt.Errorf("insert message: %w", err))
	}
	n.seen.Set(key, struct{}{}, cache.DefaultExpiration)

	summary := m.Summary()
	if err := n.store.UpdateConversationLastMessage(ctx, conv.ID, summary, msg.Timestamp); err != nil {
		log.Warn().Err(err).Str("conversationID", conv.ID).Msg("Could not update conversation preview")
	}
	conv.LastMessage = summary
	conv.LastMessageAt = &msg.Timestamp

	_ = n.notifier.Emit(ctx, notifier.EventNewMessage, notifier.Org(inst.OrganizationID), MessagePayload{
		Message:      msg,
		Conversation: conv,
		Contact:      contact,
	})

	if m.FromMe {
		return processed("outbound echo stored")
	}
	return processed(n.route(ctx, inst, conv, contact, msg))
}

// storeMedia uploads inline media and returns the URL the message keeps.
// Upload failures fall back to the provider URL.
func (n *Normalizer) storeMedia(ctx context.Context, inst *models.Instance, contact *models.Contact, m events.InboundMessage) string {
	if n.media == nil || len(m.Media.Data) == 0 {
		return m.Media.URL
	}
	stored, err := n.media.Store(ctx, media.Object{
		OrganizationID: inst.OrganizationID,
		InstanceID:     inst.ID,
		Contact:        contact.Address,
		MessageID:      m.ExternalID,
		MimeType:       m.Media.MimeType,
		Data:           m.Media.Data,
	})
	if err != nil {
		log.Error().Err(err).Str("externalID", m.ExternalID).Msg("Could not store inbound media")
		return m.Media.URL
	}
	return stored.URL
}

func (n *Normalizer) handleStatus(ctx context.Context, inst *models.Instance, s events.StatusUpdate) Result {
	if len(s.ExternalIDs) == 0 {
		return ignored("status without message ids")
	}
	advanced := 0
	for _, id := range s.ExternalIDs {
		ok, err := n.store.AdvanceMessageStatus(ctx, inst.ID, id, s.Status)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return failed(fmt.Errorf("advance status of %s: %w", id, err))
		}
		if !ok {
			continue
		}
		advanced++
		_ = n.notifier.Emit(ctx, notifier.EventMessageStatus, notifier.Org(inst.OrganizationID), StatusPayload{
			InstanceID: inst.ID,
			ExternalID: id,
			Status:     s.Status,
		})
	}
	if advanced == 0 {
		return ignored("no status moved forward")
	}
	return processed(fmt.Sprintf("%d message(s) now %s", advanced, s.Status))
}

func (n *Normalizer) handleDeletion(ctx context.Context, inst *models.Instance, d events.MessageDeletion) Result {
	ok, err := n.store.AdvanceMessageStatus(ctx, inst.ID, d.ExternalID, models.MessageDeleted)
	if errors.Is(err, store.ErrNotFound) {
		return ignored("unknown message")
	}
	if err != nil {
		return failed(err)
	}
	if !ok {
		return ignored("already deleted")
	}
	_ = n.notifier.Emit(ctx, notifier.EventMessageStatus, notifier.Org(inst.OrganizationID), StatusPayload{
		InstanceID: inst.ID,
		ExternalID: d.ExternalID,
		Status:     models.MessageDeleted,
	})
	return processed("message marked deleted")
}
