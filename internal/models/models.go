package models

import (
	"time"
)

// ConnectionState is the connectivity state of an Instance as last reported by the gateway.
type ConnectionState string

const (
	StateCreated    ConnectionState = "created"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateError      ConnectionState = "error"
)

// Handler is the party that currently answers a conversation.
type Handler string

const (
	HandlerAI    Handler = "ai"
	HandlerHuman Handler = "human"
)

func (h Handler) Valid() bool {
	return h == HandlerAI || h == HandlerHuman
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery status of a persisted Message.
type MessageStatus string

const (
	MessageReceived  MessageStatus = "received"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageDeleted   MessageStatus = "deleted"
)

// Rank orders delivery progress so status updates only move forward.
// Failed and deleted rank above everything and are never overwritten by acks.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageReceived:
		return 0
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	case MessageFailed:
		return 4
	case MessageDeleted:
		return 5
	default:
		return -1
	}
}

// QueueStatus is the state of an outbound QueuedMessage work item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed
}

// MessageType is the kind of content carried by a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
)

func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// TriggerKind records what caused a handoff transition.
type TriggerKind string

const (
	TriggerManual  TriggerKind = "manual"
	TriggerAuto    TriggerKind = "auto"
	TriggerKeyword TriggerKind = "keyword"
)

func (k TriggerKind) Valid() bool {
	return k == TriggerManual || k == TriggerAuto || k == TriggerKeyword
}

// Instance is one messaging-channel connection owned by an organization.
type Instance struct {
	ID              string          `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	OrganizationID  string          `db:"organization_id" json:"organizationId"`
	UserID          string          `db:"user_id" json:"userId,omitempty"`
	State           ConnectionState `db:"state" json:"state"`
	PairingCode     string          `db:"pairing_code" json:"-"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

func (i *Instance) Connected() bool {
	return i != nil && i.State == StateOpen
}

// OrganizationSettings holds the per-tenant automation switches.
// BusinessHours is a cron expression; empty means always open.
type OrganizationSettings struct {
	OrganizationID   string    `db:"organization_id" json:"organizationId"`
	AutoReplyEnabled bool      `db:"auto_reply_enabled" json:"autoReplyEnabled"`
	BusinessHours    string    `db:"business_hours" json:"businessHours"`
	Timezone         string    `db:"timezone" json:"timezone"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// Contact is an external party reachable through an instance.
type Contact struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	InstanceID     string    `db:"instance_id" json:"instanceId"`
	Address        string    `db:"address" json:"address"`
	Name           string    `db:"name" json:"name"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Conversation is the thread between an instance and one contact.
type Conversation struct {
	ID                  string     `db:"id" json:"id"`
	OrganizationID      string     `db:"organization_id" json:"organizationId"`
	InstanceID          string     `db:"instance_id" json:"instanceId"`
	ContactID           string     `db:"contact_id" json:"contactId"`
	Handler             Handler    `db:"handler" json:"handler"`
	AIHandoffEnabled    bool       `db:"ai_handoff_enabled" json:"aiHandoffEnabled"`
	NeedsHumanAttention bool       `db:"needs_human_attention" json:"needsHumanAttention"`
	LastHandoffAt       *time.Time `db:"last_handoff_at" json:"lastHandoffAt,omitempty"`
	LastHandoffBy       string     `db:"last_handoff_by" json:"lastHandoffBy,omitempty"`
	LastMessage         string     `db:"last_message" json:"lastMessage,omitempty"`
	LastMessageAt       *time.Time `db:"last_message_at" json:"lastMessageAt,omitempty"`
	Active              bool       `db:"active" json:"active"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// Message is the immutable history record of one inbound or outbound message.
// ExternalID is unique per instance.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversationId"`
	InstanceID     string        `db:"instance_id" json:"instanceId"`
	Direction      Direction     `db:"direction" json:"direction"`
	Type           MessageType   `db:"type" json:"type"`
	Content        string        `db:"content" json:"content"`
	MediaURL       string        `db:"media_url" json:"mediaUrl,omitempty"`
	ExternalID     string        `db:"external_id" json:"externalId"`
	Status         MessageStatus `db:"status" json:"status"`
	Timestamp      time.Time     `db:"message_at" json:"timestamp"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
}

// QueuedMessage is an outbound delivery work item. Its status transitions are
// owned by the delivery worker.
type QueuedMessage struct {
	ID             string      `db:"id" json:"id"`
	InstanceID     string      `db:"instance_id" json:"instanceId"`
	ConversationID string      `db:"conversation_id" json:"conversationId,omitempty"`
	Destination    string      `db:"destination" json:"destination"`
	Type           MessageType `db:"type" json:"type"`
	Content        string      `db:"content" json:"content"`
	MediaURL       string      `db:"media_url" json:"mediaUrl,omitempty"`
	Status         QueueStatus `db:"status" json:"status"`
	Priority       int         `db:"priority" json:"priority"`
	RetryCount     int         `db:"retry_count" json:"retryCount"`
	MaxRetries     int         `db:"max_retries" json:"maxRetries"`
	NextAttemptAt  time.Time   `db:"next_attempt_at" json:"nextAttemptAt"`
	LastError      string      `db:"last_error" json:"lastError,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updatedAt"`
}

// HandoffRecord is an append-only audit entry for one handler transition.
type HandoffRecord struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversationId"`
	OrganizationID string      `db:"organization_id" json:"organizationId"`
	FromHandler    Handler     `db:"from_handler" json:"fromHandler"`
	ToHandler      Handler     `db:"to_handler" json:"toHandler"`
	Reason         string      `db:"reason" json:"reason"`
	Trigger        TriggerKind `db:"trigger_kind" json:"trigger"`
	Actor          string      `db:"actor" json:"actor,omitempty"`
	Sequence       int64       `db:"sequence" json:"sequence"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
}
