package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zapdesk/internal/models"
)

const contactColumns = `id, organization_id, instance_id, address, name, created_at, updated_at`

const conversationColumns = `id, organization_id, instance_id, contact_id, handler, ai_handoff_enabled,
	needs_human_attention, last_handoff_at, last_handoff_by, last_message, last_message_at, active, created_at, updated_at`

// FindOrCreateContact resolves the contact for (instance, address), creating it
// on first sight. A non-empty name refreshes the stored display name.
func (s *Store) FindOrCreateContact(ctx context.Context, orgID, instanceID, address, name string) (*models.Contact, error) {
	contact, err := s.getContact(ctx, instanceID, address)
	if err == nil {
		if name != "" && contact.Name != name {
			if err := s.UpdateContactName(ctx, instanceID, address, name); err != nil {
				return nil, err
			}
			contact.Name = name
		}
		return contact, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	now := s.clock()
	contact = &models.Contact{
		ID:             newID(),
		OrganizationID: orgID,
		InstanceID:     instanceID,
		Address:        address,
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.exec(ctx, `INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contact.ID, contact.OrganizationID, contact.InstanceID, contact.Address, contact.Name, contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		// lost a race against another insert for the same address
		if existing, getErr := s.getContact(ctx, instanceID, address); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

func (s *Store) getContact(ctx context.Context, instanceID, address string) (*models.Contact, error) {
	var c models.Contact
	if err := s.get(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE instance_id = ? AND address = ?`, instanceID, address); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.get(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateContactName(ctx context.Context, instanceID, address, name string) error {
	n, err := s.exec(ctx, `UPDATE contacts SET name = ?, updated_at = ? WHERE instance_id = ? AND address = ?`,
		name, s.clock(), instanceID, address)
	if err != nil {
		return fmt.Errorf("update contact name: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOrCreateConversation returns the conversation between an instance and a
// contact. New conversations start with the automated handler. The boolean
// reports whether the conversation was created by this call.
func (s *Store) FindOrCreateConversation(ctx context.Context, orgID, instanceID, contactID string) (*models.Conversation, bool, error) {
	conv, err := s.getConversationFor(ctx, instanceID, contactID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("get conversation: %w", err)
	}

	now := s.clock()
	conv = &models.Conversation{
		ID:               newID(),
		OrganizationID:   orgID,
		InstanceID:       instanceID,
		ContactID:        contactID,
		Handler:          models.HandlerAI,
		AIHandoffEnabled: true,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.exec(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OrganizationID, conv.InstanceID, conv.ContactID, conv.Handler, conv.AIHandoffEnabled,
		conv.NeedsHumanAttention, conv.LastHandoffAt, conv.LastHandoffBy, conv.LastMessage, conv.LastMessageAt,
		conv.Active, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if existing, getErr := s.getConversationFor(ctx, instanceID, contactID); getErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

func (s *Store) getConversationFor(ctx context.Context, instanceID, contactID string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.get(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE instance_id = ? AND contact_id = ?`, instanceID, contactID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.get(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversationLastMessage stores the summary of the most recent message.
// Older messages never overwrite a newer summary.
func (s *Store) UpdateConversationLastMessage(ctx context.Context, id, summary string, at time.Time) error {
	at = at.UTC()
	n, err := s.exec(ctx, `UPDATE conversations SET last_message = ?, last_message_at = ?, active = ?, updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)`,
		summary, at, true, s.clock(), id, at)
	if err != nil {
		return fmt.Errorf("update conversation last message: %w", err)
	}
	if n == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListConversationsSince returns an organization's conversations created at or after since.
func (s *Store) ListConversationsSince(ctx context.Context, orgID string, since time.Time) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.selectAll(ctx, &out, `SELECT `+conversationColumns+` FROM conversations
		WHERE organization_id = ? AND created_at >= ? ORDER BY created_at`, orgID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}
