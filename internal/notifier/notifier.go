// Package notifier fans state changes out to connected clients and to the
// message broker.
package notifier

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event names emitted by the core components.
const (
	EventHandoffEnabled     = "handoff:enabled"
	EventHandoffDisabled    = "handoff:disabled"
	EventHandoffTransferred = "handoff:transferred"
	EventHumanRequired      = "human:required"
	EventWhatsAppStatus     = "whatsapp:status"
	EventWhatsAppQRCode     = "whatsapp:qrcode"
	EventNewMessage         = "new_message"
	EventMessageStatus      = "message:status"
	EventMessageFailed      = "message:failed"
	EventPresenceUpdate     = "presence:update"
	EventChatUpdate         = "chat:update"
	EventHealthAlert        = "health:alert"
	EventHealthReconnect    = "health:reconnect"
)

// Scope addresses an organization, or one user inside it when UserID is set.
type Scope struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
}

func Org(id string) Scope { return Scope{OrganizationID: id} }

func User(orgID, userID string) Scope { return Scope{OrganizationID: orgID, UserID: userID} }

// Notifier delivers one event to a scope. Implementations must not block on
// slow consumers.
type Notifier interface {
	Emit(ctx context.Context, event string, scope Scope, data any) error
}

// Multi emits to every notifier and keeps going when one of them fails.
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, event string, scope Scope, data any) error {
	var firstErr error
	for _, n := range m {
		if err := n.Emit(ctx, event, scope, data); err != nil {
			log.Warn().Err(err).Str("event", event).Str("organization", scope.OrganizationID).Msg("Notifier emit failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, Scope, any) error { return nil }
