package store

import (
	"context"
	"fmt"
	"time"

	"zapdesk/internal/models"
)

const queueColumns = `id, instance_id, conversation_id, destination, type, content, media_url, status, priority,
	retry_count, max_retries, next_attempt_at, last_error, created_at, updated_at`

// Enqueue stores a new pending work item. A zero NextAttemptAt means eligible now.
func (s *Store) Enqueue(ctx context.Context, item *models.QueuedMessage) error {
	now := s.clock()
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Type == "" {
		item.Type = models.TypeText
	}
	item.Status = models.QueuePending
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	item.NextAttemptAt = item.NextAttemptAt.UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.exec(ctx, `INSERT INTO queued_messages (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.InstanceID, item.ConversationID, item.Destination, item.Type, item.Content, item.MediaURL,
		item.Status, item.Priority, item.RetryCount, item.MaxRetries, item.NextAttemptAt, item.LastError,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *Store) GetQueuedMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	var item models.QueuedMessage
	if err := s.get(ctx, &item, `SELECT `+queueColumns+` FROM queued_messages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListDue returns up to limit pending items eligible at now, highest priority
// first and earliest eligibility first among equal priorities.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]models.QueuedMessage, error) {
	var out []models.QueuedMessage
	err := s.selectAll(ctx, &out, `SELECT `+queueColumns+` FROM queued_messages
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY priority DESC, next_attempt_at ASC, created_at ASC
		LIMIT ?`, models.QueuePending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return out, nil
}

// Claim moves an item from pending to sending with a single conditional
// update. It reports false when another worker already owns the item.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.QueueSending, s.clock(), id, models.QueuePending)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkSent finishes a claimed item.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.QueueSending, models.QueueSent, "")
}

// MarkFailed terminally fails an item. Pending items can be failed without a
// claim so a dead instance never gets a send attempt.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	n, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.QueueFailed, reason, s.clock(), id, models.QueuePending, models.QueueSending)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Reschedule returns a claimed item to pending with a new retry count and eligibility time.
func (s *Store) Reschedule(ctx context.Context, id string, retryCount int, next time.Time, lastError string) error {
	n, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.QueuePending, retryCount, next.UTC(), lastError, s.clock(), id, models.QueueSending)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Requeue puts a failed item back to pending with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id string) error {
	now := s.clock()
	n, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, retry_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		models.QueuePending, now, now, id, models.QueueFailed)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetQueuedMessage(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// DeleteTerminalBefore removes sent and failed items last touched before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx, `DELETE FROM queued_messages WHERE status IN (?, ?) AND updated_at < ?`,
		models.QueueSent, models.QueueFailed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal: %w", err)
	}
	return n, nil
}

func (s *Store) CountQueueByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	var rows []struct {
		Status models.QueueStatus `db:"status"`
		Count  int                `db:"n"`
	}
	if err := s.selectAll(ctx, &rows, `SELECT status, COUNT(*) AS n FROM queued_messages GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	out := map[models.QueueStatus]int{
		models.QueuePending: 0,
		models.QueueSending: 0,
		models.QueueSent:    0,
		models.QueueFailed:  0,
	}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, id string, from, to models.QueueStatus, lastError string) error {
	n, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, lastError, s.clock(), id, from)
	if err != nil {
		return fmt.Errorf("queue %s -> %s: %w", from, to, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
