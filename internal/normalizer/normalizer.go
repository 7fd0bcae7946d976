// Package normalizer turns canonical provider events into persisted state,
// notifications and automated replies.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/events"
	"zapdesk/internal/handoff"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/responder"
	"zapdesk/internal/store"
)

// Store is the persistence the normalizer needs.
type Store interface {
	GetInstanceByName(ctx context.Context, name string) (*models.Instance, error)
	UpdateInstanceState(ctx context.Context, id string, state models.ConnectionState) error
	UpdateInstancePairingCode(ctx context.Context, id, code string) error
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
	GetOrganizationSettings(ctx context.Context, orgID string) (*models.OrganizationSettings, error)
	FindOrCreateContact(ctx context.Context, orgID, instanceID, address, name string) (*models.Contact, error)
	UpdateContactName(ctx context.Context, instanceID, address, name string) error
	FindOrCreateConversation(ctx context.Context, orgID, instanceID, contactID string) (*models.Conversation, bool, error)
	UpdateConversationLastMessage(ctx context.Context, id, summary string, at time.Time) error
	InsertMessage(ctx context.Context, msg *models.Message) error
	MessageExists(ctx context.Context, instanceID, externalID string) (bool, error)
	AdvanceMessageStatus(ctx context.Context, instanceID, externalID string, status models.MessageStatus) (bool, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// Escalator hands conversations to humans.
type Escalator interface {
	TransferToHuman(ctx context.Context, conversationID, reason string, trigger models.TriggerKind, actor string, notifyCustomer bool) handoff.Result
}

// Enqueuer schedules outbound replies.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueuedMessage) error
}

// ReconnectTracker is told when an instance comes back online.
type ReconnectTracker interface {
	MarkReconnected(ctx context.Context, instanceID string)
}

// MediaStore keeps inbound attachments.
type MediaStore interface {
	Store(ctx context.Context, o media.Object) (*media.Stored, error)
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Result is the outcome of one event. Handle never returns an error; a
// failure is a Result with OutcomeFailed.
type Result struct {
	Kind     events.Kind `json:"kind"`
	Instance string      `json:"instance,omitempty"`
	Outcome  Outcome     `json:"outcome"`
	Detail   string      `json:"detail,omitempty"`
	Err      error       `json:"-"`
}

func processed(detail string) Result { return Result{Outcome: OutcomeProcessed, Detail: detail} }
func ignored(detail string) Result   { return Result{Outcome: OutcomeIgnored, Detail: detail} }
func duplicate() Result              { return Result{Outcome: OutcomeDuplicate} }
func failed(err error) Result        { return Result{Outcome: OutcomeFailed, Err: err, Detail: err.Error()} }

type Config struct {
	HandoffKeywords []string
	// FragmentMax bounds how many queued messages one reply becomes.
	FragmentMax int
	// FragmentDelay staggers the eligibility of consecutive fragments.
	FragmentDelay time.Duration
	// ReplyPriority is the priority of the first fragment; later ones count down.
	ReplyPriority int
	HistorySize   int
}

type Normalizer struct {
	store     Store
	handoff   Escalator
	queue     Enqueuer
	responder responder.Responder
	health    ReconnectTracker
	media     MediaStore
	notifier  notifier.Notifier
	cfg       Config
	now       func() time.Time

	instances *cache.Cache
	seen      *cache.Cache
}

type Option func(*Normalizer)

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithResponder enables automated replies.
func WithResponder(r responder.Responder) Option {
	return func(n *Normalizer) { n.responder = r }
}

// WithMediaStore uploads inbound attachments carrying inline data.
func WithMediaStore(m MediaStore) Option {
	return func(n *Normalizer) { n.media = m }
}

func WithReconnectTracker(t ReconnectTracker) Option {
	return func(n *Normalizer) { n.health = t }
}

func New(s Store, h Escalator, q Enqueuer, n notifier.Notifier, cfg Config, opts ...Option) *Normalizer {
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.FragmentMax <= 0 {
		cfg.FragmentMax = 3
	}
	if cfg.FragmentDelay <= 0 {
		cfg.FragmentDelay = 2 * time.Second
	}
	if cfg.ReplyPriority <= 0 {
		cfg.ReplyPriority = 5
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	norm := &Normalizer{
		store:     s,
		handoff:   h,
		queue:     q,
		notifier:  n,
		cfg:       cfg,
		now:       time.Now,
		instances: cache.New(time.Minute, 5*time.Minute),
		seen:      cache.New(10*time.Minute, 15*time.Minute),
	}
	for _, o := range opts {
		o(norm)
	}
	return norm
}

// Handle processes one event and logs its outcome. It never panics and never
// returns an error to the caller.
func (n *Normalizer) Handle(ctx context.Context, ev events.Event) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Errorf("panic: %v", r))
		}
		res.Kind = ev.Kind()
		res.Instance = ev.InstanceName
		n.logResult(ev, res)
	}()

	if ev.Payload == nil {
		return ignored("empty payload")
	}
	if u, ok := ev.Payload.(events.Unknown); ok {
		return ignored("unknown event type " + u.Type)
	}

	inst, err := n.instance(ctx, ev.InstanceName)
	if errors.Is(err, store.ErrNotFound) {
		return ignored("unknown instance")
	}
	if err != nil {
		return failed(err)
	}

	switch p := ev.Payload.(type) {
	case events.ConnectionUpdate:
		return n.handleConnection(ctx, inst, p)
	case events.QRUpdate:
		return n.handleQR(ctx, inst, p)
	case events.InboundMessage:
		return n.handleMessage(ctx, inst, ev, p)
	case events.StatusUpdate:
		return n.handleStatus(ctx, inst, p)
	case events.MessageDeletion:
		return n.handleDeletion(ctx, inst, p)
	case events.PresenceUpdate:
		return n.handlePresence(ctx, inst, p)
	case events.ChatUpdate:
		return n.handleChat(ctx, inst, p)
	case events.ContactUpdate:
		return n.handleContact(ctx, inst, p)
	default:
		return ignored(fmt.Sprintf("unhandled payload %T", p))
	}
}

// HandleAll processes events in order.
func (n *Normalizer) HandleAll(ctx context.Context, evs []events.Event) []Result {
	out := make([]Result, 0, len(evs))
	for _, ev := range evs {
		out = append(out, n.Handle(ctx, ev))
	}
	return out
}

func (n *Normalizer) logResult(ev events.Event, res Result) {
	var e *zerolog.Event
	switch res.Outcome {
	case OutcomeFailed:
		e = log.Error().Err(res.Err)
	case OutcomeProcessed:
		e = log.Info()
	default:
		e = log.Debug()
	}
	e.Str("provider", ev.Provider).
		Str("instance", ev.InstanceName).
		Str("kind", string(res.Kind)).
		Str("outcome", string(res.Outcome)).
		Str("detail", res.Detail).
		Msg("Webhook event handled")
}

func (n *Normalizer) instance(ctx context.Context, name string) (*models.Instance, error) {
	if name == "" {
		return nil, store.ErrNotFound
	}
	if v, ok := n.instances.Get(name); ok {
		inst := v.(models.Instance)
		return &inst, nil
	}
	inst, err := n.store.GetInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	n.instances.Set(name, *inst, cache.DefaultExpiration)
	return inst, nil
}
