// Package delivery drains the outbound message queue through the messaging
// gateway with retry and exponential backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

const reasonNotConnected = "instance not connected"

// Store is the persistence the worker needs.
type Store interface {
	Enqueue(ctx context.Context, item *models.QueuedMessage) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.QueuedMessage, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Reschedule(ctx context.Context, id string, retryCount int, next time.Time, lastError string) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	UpdateConversationLastMessage(ctx context.Context, id, summary string, at time.Time) error
}

// Config holds the worker tunables.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Retention    time.Duration
	// RetentionSweep is a cron expression for the cleanup of terminal items.
	RetentionSweep string
	Policy         RetryPolicy
}

// Outcome is what happened to one queue item in a cycle.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// BatchResult counts the outcomes of one DrainBatch call.
type BatchResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (r *BatchResult) add(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// FailedPayload is emitted with message:failed.
type FailedPayload struct {
	QueueID        string `json:"queueId"`
	ConversationID string `json:"conversationId,omitempty"`
	Destination    string `json:"destination"`
	Reason         string `json:"reason"`
	RetryCount     int    `json:"retryCount"`
}

type Worker struct {
	store     Store
	gateway   gateway.Gateway
	notifier  notifier.Notifier
	cfg       Config
	now       func() time.Time
	nextSweep time.Time
}

type Option func(*Worker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(s Store, gw gateway.Gateway, n notifier.Notifier, cfg Config, opts ...Option) *Worker {
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.RetentionSweep == "" {
		cfg.RetentionSweep = "@hourly"
	}
	w := &Worker{store: s, gateway: gw, notifier: n, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Enqueue schedules an outbound message. Items without a retry budget get
// the policy's.
func (w *Worker) Enqueue(ctx context.Context, item *models.QueuedMessage) error {
	if item.Destination == "" || item.InstanceID == "" {
		return errors.New("queued message needs an instance and a destination")
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = w.cfg.Policy.MaxRetries
	}
	if err := w.store.Enqueue(ctx, item); err != nil {
		return err
	}
	log.Debug().
		Str("queueID", item.ID).
		Str("instanceID", item.InstanceID).
		Int("priority", item.Priority).
		Time("nextAttemptAt", item.NextAttemptAt).
		Msg("Message enqueued")
	return nil
}

// Policy is the retry policy applied to new items.
func (w *Worker) Policy() RetryPolicy { return w.cfg.Policy }

// Run drains the queue every poll interval and sweeps old terminal items on
// the retention schedule until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.scheduleSweep()
	log.Info().
		Dur("pollInterval", w.cfg.PollInterval).
		Int("batchSize", w.cfg.BatchSize).
		Int("maxRetries", w.cfg.Policy.MaxRetries).
		Dur("baseBackoff", w.cfg.Policy.Base).
		Msg("Delivery worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Delivery worker stopped")
			return
		case <-ticker.C:
			if _, err := w.DrainBatch(ctx, w.cfg.BatchSize); err != nil {
				log.Error().Err(err).Msg("Delivery cycle failed")
			}
			if !w.nextSweep.IsZero() && !w.now().Before(w.nextSweep) {
				if _, err := w.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("Queue retention sweep failed")
				}
				w.scheduleSweep()
			}
		}
	}
}

func (w *Worker) scheduleSweep() {
	next, err := gronx.NextTickAfter(w.cfg.RetentionSweep, w.now(), false)
	if err != nil {
		log.Error().Err(err).Str("expr", w.cfg.RetentionSweep).Msg("Invalid retention sweep schedule, sweeping disabled")
		w.nextSweep = time.Time{}
		return
	}
	w.nextSweep = next
}

// DrainBatch processes up to size due items sequentially in priority order.
func (w *Worker) DrainBatch(ctx context.Context, size int) (BatchResult, error) {
	var res BatchResult
	items, err := w.store.ListDue(ctx, w.now(), size)
	if err != nil {
		return res, err
	}

	instances := make(map[string]*models.Instance)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := &items[i]
		inst, ok := instances[item.InstanceID]
		if !ok {
			inst, err = w.store.GetInstance(ctx, item.InstanceID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Error().Err(err).Str("queueID", item.ID).Msg("Could not load instance for queued message")
				res.add(OutcomeSkipped)
				continue
			}
			instances[item.InstanceID] = inst
		}
		res.add(w.process(ctx, item, inst))
	}

	if len(items) > 0 {
		log.Info().
			Int("sent", res.Sent).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("Delivery batch processed")
	}
	return res, nil
}

func (w *Worker) process(ctx context.Context, item *models.QueuedMessage, inst *models.Instance) Outcome {
	if !inst.Connected() {
		if err := w.store.MarkFailed(ctx, item.ID, reasonNotConnected); err != nil {
			log.Warn().Err(err).Str("queueID", item.ID).Msg("Could not fail queued message")
			return OutcomeSkipped
		}
		log.Warn().
			Str("queueID", item.ID).
			Str("instanceID", item.InstanceID).
			Msg("Instance not connected, queued message failed")
		w.emitFailed(ctx, item, inst, reasonNotConnected)
		return OutcomeFailed
	}

	claimed, err := w.store.Claim(ctx, item.ID)
	if err != nil {
		log.Error().Err(err).Str("queueID", item.ID).Msg("Could not claim queued message")
		return OutcomeSkipped
	}
	if !claimed {
		log.Debug().Str("queueID", item.ID).Msg("Queued message already claimed")
		return OutcomeSkipped
	}

	result, sendErr := w.send(ctx, inst, item)
	if sendErr == nil {
		if err := w.store.MarkSent(ctx, item.ID); err != nil {
			log.Error().Err(err).Str("queueID", item.ID).Msg("Sent message could not be marked sent")
		}
		w.record(ctx, inst, item, result)
		log.Info().
			Str("queueID", item.ID).
			Str("instance", inst.Name).
			Int("retryCount", item.RetryCount).
			Msg("Queued message sent")
		return OutcomeSent
	}

	if gateway.IsPermanent(sendErr) || item.RetryCount >= item.MaxRetries {
		if err := w.store.MarkFailed(ctx, item.ID, sendErr.Error()); err != nil {
			log.Error().Err(err).Str("queueID", item.ID).Msg("Could not fail queued message")
		}
		log.Error().
			Err(sendErr).
			Str("queueID", item.ID).
			Int("retryCount", item.RetryCount).
			Int("maxRetries", item.MaxRetries).
			Msg("Queued message failed permanently")
		w.emitFailed(ctx, item, inst, sendErr.Error())
		return OutcomeFailed
	}

	retries := item.RetryCount + 1
	next := w.cfg.Policy.Next(w.now(), retries)
	if err := w.store.Reschedule(ctx, item.ID, retries, next, sendErr.Error()); err != nil {
		log.Error().Err(err).Str("queueID", item.ID).Msg("Could not reschedule queued message")
		return OutcomeSkipped
	}
	log.Warn().
		Err(sendErr).
		Str("queueID", item.ID).
		Int("retryCount", retries).
		Time("nextAttemptAt", next).
		Msg("Send failed, will retry")
	return OutcomeRetried
}

func (w *Worker) send(ctx context.Context, inst *models.Instance, item *models.QueuedMessage) (*gateway.SendResult, error) {
	if item.Type.IsMedia() {
		return w.gateway.SendMedia(ctx, inst.Name, item.Destination, gateway.MediaMessage{
			URL:     item.MediaURL,
			Caption: item.Content,
			Type:    item.Type,
		})
	}
	return w.gateway.SendText(ctx, inst.Name, item.Destination, item.Content)
}

// record persists the outbound Message and moves the conversation preview.
// Failures here only log; the item is already sent.
func (w *Worker) record(ctx context.Context, inst *models.Instance, item *models.QueuedMessage, result *gateway.SendResult) {
	if item.ConversationID == "" {
		return
	}
	now := w.now().UTC()
	externalID := ""
	if result != nil {
		externalID = result.ExternalID
	}
	if externalID == "" {
		externalID = "queue-" + item.ID
	}
	msg := &models.Message{
		ConversationID: item.ConversationID,
		InstanceID:     item.InstanceID,
		Direction:      models.DirectionOutbound,
		Type:           item.Type,
		Content:        item.Content,
		MediaURL:       item.MediaURL,
		ExternalID:     externalID,
		Status:         models.MessageSent,
		Timestamp:      now,
	}
	if err := w.store.InsertMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("queueID", item.ID).Msg("Could not persist sent message")
		return
	}
	if err := w.store.UpdateConversationLastMessage(ctx, item.ConversationID, summary(item), now); err != nil {
		log.Warn().Err(err).Str("conversationID", item.ConversationID).Msg("Could not update conversation preview")
	}
	_ = w.notifier.Emit(ctx, notifier.EventNewMessage, notifier.Org(inst.OrganizationID), msg)
}

func (w *Worker) emitFailed(ctx context.Context, item *models.QueuedMessage, inst *models.Instance, reason string) {
	if inst == nil {
		return
	}
	_ = w.notifier.Emit(ctx, notifier.EventMessageFailed, notifier.Org(inst.OrganizationID), FailedPayload{
		QueueID:        item.ID,
		ConversationID: item.ConversationID,
		Destination:    item.Destination,
		Reason:         reason,
		RetryCount:     item.RetryCount,
	})
}

// Sweep deletes sent and failed items older than the retention window.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.cfg.Retention)
	n, err := w.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Queue retention sweep completed")
	}
	return n, nil
}

func summary(item *models.QueuedMessage) string {
	if item.Content != "" {
		return item.Content
	}
	return "[" + string(item.Type) + "]"
}
