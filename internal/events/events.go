// Package events defines the provider-agnostic event vocabulary produced by
// the webhook adapters and consumed by the normalizer.
package events

import (
	"time"

	"zapdesk/internal/models"
)

// Kind is the canonical event kind.
type Kind string

const (
	KindConnectionUpdate Kind = "connection-update"
	KindQRUpdated        Kind = "qr-updated"
	KindMessageReceived  Kind = "message-received"
	KindMessageStatus    Kind = "message-status-update"
	KindMessageDeleted   Kind = "message-deleted"
	KindPresenceUpdate   Kind = "presence-update"
	KindChatUpdate       Kind = "chat-update"
	KindContactUpdate    Kind = "contact-update"
	KindUnknown          Kind = "unknown"
)

// Event is one normalized webhook notification. Payload carries the
// kind-specific fields; downstream code switches on its concrete type.
type Event struct {
	Provider     string
	InstanceName string
	ReceivedAt   time.Time
	Payload      Payload
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

type Payload interface {
	Kind() Kind
}

// ConnectionUpdate reports the provider session state of an instance.
type ConnectionUpdate struct {
	State  models.ConnectionState
	Reason string
}

func (ConnectionUpdate) Kind() Kind { return KindConnectionUpdate }

// QRUpdate carries a new pairing code. Image is a data URL when the provider
// rendered one; otherwise only Code is set.
type QRUpdate struct {
	Code  string
	Image string
}

func (QRUpdate) Kind() Kind { return KindQRUpdated }

// Media is an attachment. Data holds inline content when the provider sent
// it base64 encoded; URL is the provider-hosted location otherwise.
type Media struct {
	URL      string
	MimeType string
	FileName string
	Caption  string
	Data     []byte
}

type InboundMessage struct {
	ExternalID string
	// RemoteAddress is the canonical phone-number user part of the contact.
	RemoteAddress string
	PushName      string
	FromMe        bool
	Type          models.MessageType
	Text          string
	Media         *Media
	Timestamp     time.Time
}

func (InboundMessage) Kind() Kind { return KindMessageReceived }

type StatusUpdate struct {
	ExternalIDs   []string
	RemoteAddress string
	Status        models.MessageStatus
	Timestamp     time.Time
}

func (StatusUpdate) Kind() Kind { return KindMessageStatus }

type MessageDeletion struct {
	ExternalID    string
	RemoteAddress string
}

func (MessageDeletion) Kind() Kind { return KindMessageDeleted }

type PresenceUpdate struct {
	RemoteAddress string
	Presence      string
}

func (PresenceUpdate) Kind() Kind { return KindPresenceUpdate }

type ChatUpdate struct {
	RemoteAddress string
	UnreadCount   int
	Archived      bool
}

func (ChatUpdate) Kind() Kind { return KindChatUpdate }

type ContactUpdate struct {
	RemoteAddress string
	Name          string
}

func (ContactUpdate) Kind() Kind { return KindContactUpdate }

// Unknown wraps an event type the adapter does not understand. It is logged
// and ignored.
type Unknown struct {
	Type string
}

func (Unknown) Kind() Kind { return KindUnknown }

// Summary is the one-line preview stored as a conversation's last message.
func (m InboundMessage) Summary() string {
	if m.Text != "" {
		return m.Text
	}
	if m.Media != nil && m.Media.Caption != "" {
		return m.Media.Caption
	}
	if m.Type != "" && m.Type != models.TypeText {
		return "[" + string(m.Type) + "]"
	}
	return ""
}
