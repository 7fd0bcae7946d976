// Package handoff decides who answers a conversation next and keeps the
// audit trail of every change.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTransition    = errors.New("invalid handoff transition")
)

const (
	reasonManualActivation   = "manual activation"
	reasonManualDeactivation = "manual deactivation"
	topReasons               = 5
)

// Store is the persistence the machine needs.
type Store interface {
	ApplyHandoff(ctx context.Context, change store.HandoffChange) (*store.HandoffOutcome, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	ListHandoffRecords(ctx context.Context, conversationID string) ([]models.HandoffRecord, error)
	ListHandoffRecordsSince(ctx context.Context, orgID string, since time.Time) ([]models.HandoffRecord, error)
	ListConversationsSince(ctx context.Context, orgID string, since time.Time) ([]models.Conversation, error)
}

// Enqueuer schedules outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueuedMessage) error
}

// Result is the outcome of a transition. Failures are reported here and never
// as a panic or a partial write.
type Result struct {
	Success      bool                  `json:"success"`
	Error        string                `json:"error,omitempty"`
	Changed      bool                  `json:"changed"`
	Conversation *models.Conversation  `json:"conversation,omitempty"`
	Record       *models.HandoffRecord `json:"record,omitempty"`
	Err          error                 `json:"-"`
}

func failure(err error) Result {
	return Result{Error: err.Error(), Err: err}
}

// Payload is emitted with the handoff events.
type Payload struct {
	ConversationID      string             `json:"conversationId"`
	From                models.Handler     `json:"from"`
	To                  models.Handler     `json:"to"`
	Reason              string             `json:"reason,omitempty"`
	Trigger             models.TriggerKind `json:"trigger"`
	Actor               string             `json:"actor,omitempty"`
	NeedsHumanAttention bool               `json:"needsHumanAttention"`
	At                  time.Time          `json:"at"`
}

type Config struct {
	// TransferMessage is sent to the contact on transferToHuman.
	TransferMessage string
	// TransferPriority is the queue priority of that message.
	TransferPriority int
}

type Machine struct {
	store    Store
	queue    Enqueuer
	notifier notifier.Notifier
	cfg      Config
	now      func() time.Time
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(s Store, q Enqueuer, n notifier.Notifier, cfg Config, opts ...Option) *Machine {
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.TransferPriority == 0 {
		cfg.TransferPriority = 10
	}
	m := &Machine{store: s, queue: q, notifier: n, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnableAI hands the conversation to automation and clears the attention flag.
func (m *Machine) EnableAI(ctx context.Context, conversationID, reason string, trigger models.TriggerKind, actor string) Result {
	if reason == "" {
		reason = reasonManualActivation
	}
	enabled := true
	res := m.apply(ctx, store.HandoffChange{
		ConversationID: conversationID,
		To:             models.HandlerAI,
		AIEnabled:      &enabled,
		Reason:         reason,
		Trigger:        trigger,
		Actor:          actor,
	})
	if res.Success {
		m.emit(ctx, notifier.EventHandoffEnabled, res)
	}
	return res
}

// DisableAI hands the conversation to a human and flags it for attention.
func (m *Machine) DisableAI(ctx context.Context, conversationID, reason string, trigger models.TriggerKind, actor string) Result {
	if reason == "" {
		reason = reasonManualDeactivation
	}
	enabled := false
	res := m.apply(ctx, store.HandoffChange{
		ConversationID:      conversationID,
		To:                  models.HandlerHuman,
		NeedsHumanAttention: true,
		AIEnabled:           &enabled,
		Reason:              reason,
		Trigger:             trigger,
		Actor:               actor,
	})
	if res.Success {
		m.emit(ctx, notifier.EventHandoffDisabled, res)
	}
	return res
}

// TransferToHuman escalates an AI conversation. When notifyCustomer is set
// the contact gets the transfer message through the delivery queue.
func (m *Machine) TransferToHuman(ctx context.Context, conversationID, reason string, trigger models.TriggerKind, actor string, notifyCustomer bool) Result {
	res := m.apply(ctx, store.HandoffChange{
		ConversationID:      conversationID,
		To:                  models.HandlerHuman,
		NeedsHumanAttention: true,
		Reason:              reason,
		Trigger:             trigger,
		Actor:               actor,
	})
	if !res.Success || !res.Changed {
		return res
	}

	if notifyCustomer && m.cfg.TransferMessage != "" {
		m.notifyCustomer(ctx, res.Conversation)
	}
	m.emit(ctx, notifier.EventHandoffTransferred, res)
	m.emit(ctx, notifier.EventHumanRequired, res)
	return res
}

// TransferToAI returns a human conversation to automation.
func (m *Machine) TransferToAI(ctx context.Context, conversationID, reason string, trigger models.TriggerKind, actor string) Result {
	enabled := true
	res := m.apply(ctx, store.HandoffChange{
		ConversationID: conversationID,
		To:             models.HandlerAI,
		AIEnabled:      &enabled,
		Reason:         reason,
		Trigger:        trigger,
		Actor:          actor,
	})
	if res.Success && res.Changed {
		m.emit(ctx, notifier.EventHandoffTransferred, res)
	}
	return res
}

func (m *Machine) apply(ctx context.Context, change store.HandoffChange) Result {
	if change.ConversationID == "" {
		return failure(fmt.Errorf("%w: conversation id is required", ErrInvalidTransition))
	}
	if change.Trigger == "" {
		change.Trigger = models.TriggerManual
	}
	if !change.Trigger.Valid() {
		return failure(fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, change.Trigger))
	}

	out, err := m.store.ApplyHandoff(ctx, change)
	if errors.Is(err, store.ErrConflict) {
		// the handler moved under us, apply against the fresh state
		out, err = m.store.ApplyHandoff(ctx, change)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrConversationNotFound, change.ConversationID)
		}
		log.Error().
			Err(err).
			Str("conversationID", change.ConversationID).
			Str("to", string(change.To)).
			Msg("Handoff transition failed")
		return failure(err)
	}

	res := Result{Success: true, Changed: out.Record != nil, Conversation: out.Conversation, Record: out.Record}
	if res.Changed {
		log.Info().
			Str("conversationID", change.ConversationID).
			Str("from", string(out.From)).
			Str("to", string(change.To)).
			Str("trigger", string(change.Trigger)).
			Str("reason", change.Reason).
			Msg("Conversation handed off")
	}
	return res
}

func (m *Machine) notifyCustomer(ctx context.Context, conv *models.Conversation) {
	contact, err := m.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Could not load contact for transfer message")
		return
	}
	item := &models.QueuedMessage{
		InstanceID:     conv.InstanceID,
		ConversationID: conv.ID,
		Destination:    contact.Address,
		Type:           models.TypeText,
		Content:        m.cfg.TransferMessage,
		Priority:       m.cfg.TransferPriority,
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Could not enqueue transfer message")
	}
}

func (m *Machine) emit(ctx context.Context, event string, res Result) {
	conv := res.Conversation
	p := Payload{
		ConversationID:      conv.ID,
		To:                  conv.Handler,
		From:                conv.Handler,
		Actor:               conv.LastHandoffBy,
		NeedsHumanAttention: conv.NeedsHumanAttention,
		At:                  conv.UpdatedAt,
	}
	if r := res.Record; r != nil {
		p.From, p.Reason, p.Trigger = r.FromHandler, r.Reason, r.Trigger
	}
	_ = m.notifier.Emit(ctx, event, notifier.Org(conv.OrganizationID), p)
}

// History returns the transitions of a conversation, oldest first.
func (m *Machine) History(ctx context.Context, conversationID string) ([]models.HandoffRecord, error) {
	if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return m.store.ListHandoffRecords(ctx, conversationID)
}

// ReasonCount is one entry of Metrics.TopReasons.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Metrics aggregates an organization's handoff activity over a window.
type Metrics struct {
	OrganizationID     string        `json:"organizationId"`
	WindowDays         int           `json:"windowDays"`
	TotalConversations int           `json:"totalConversations"`
	AIHandled          int           `json:"aiHandled"`
	HumanHandled       int           `json:"humanHandled"`
	TotalTransitions   int           `json:"totalTransitions"`
	AIToHuman          int           `json:"aiToHuman"`
	HumanToAI          int           `json:"humanToAi"`
	AIResolutionRate   float64       `json:"aiResolutionRate"`
	EscalationRate     float64       `json:"escalationRate"`
	TopReasons         []ReasonCount `json:"topReasons"`
}

// Metrics counts conversations created inside the window by their current
// handler and the transitions recorded inside it.
func (m *Machine) Metrics(ctx context.Context, orgID string, windowDays int) (*Metrics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := m.now().UTC().AddDate(0, 0, -windowDays)

	convs, err := m.store.ListConversationsSince(ctx, orgID, since)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListHandoffRecordsSince(ctx, orgID, since)
	if err != nil {
		return nil, err
	}

	out := &Metrics{OrganizationID: orgID, WindowDays: windowDays, TotalConversations: len(convs), TopReasons: []ReasonCount{}}
	for _, c := range convs {
		if c.Handler == models.HandlerAI {
			out.AIHandled++
		} else {
			out.HumanHandled++
		}
	}

	reasons := map[string]int{}
	for _, r := range records {
		out.TotalTransitions++
		switch {
		case r.FromHandler == models.HandlerAI && r.ToHandler == models.HandlerHuman:
			out.AIToHuman++
		case r.FromHandler == models.HandlerHuman && r.ToHandler == models.HandlerAI:
			out.HumanToAI++
		}
		if r.Reason != "" {
			reasons[r.Reason]++
		}
	}
	if out.TotalConversations > 0 {
		out.AIResolutionRate = float64(out.AIHandled) / float64(out.TotalConversations)
		out.EscalationRate = float64(out.AIToHuman) / float64(out.TotalConversations)
	}

	for reason, n := range reasons {
		out.TopReasons = append(out.TopReasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out.TopReasons, func(i, j int) bool {
		a, b := out.TopReasons[i], out.TopReasons[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})
	if len(out.TopReasons) > topReasons {
		out.TopReasons = out.TopReasons[:topReasons]
	}
	return out, nil
}
