package store

import (
	"context"
	"fmt"

	"zapdesk/internal/models"
)

const messageColumns = `id, conversation_id, instance_id, direction, type, content, media_url, external_id, status, message_at, created_at`

// InsertMessage persists a message. A message whose external id already exists
// on the same instance yields ErrDuplicate and leaves the table untouched.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ExternalID == "" {
		return fmt.Errorf("insert message: external id is required")
	}
	exists, err := s.MessageExists(ctx, msg.InstanceID, msg.ExternalID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}

	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.CreatedAt = s.clock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = msg.CreatedAt
	}
	msg.Timestamp = msg.Timestamp.UTC()

	_, err = s.exec(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.InstanceID, msg.Direction, msg.Type, msg.Content, msg.MediaURL,
		msg.ExternalID, msg.Status, msg.Timestamp, msg.CreatedAt)
	if err != nil {
		// the unique (instance_id, external_id) index caught a concurrent replay
		if exists, _ := s.MessageExists(ctx, msg.InstanceID, msg.ExternalID); exists {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) MessageExists(ctx context.Context, instanceID, externalID string) (bool, error) {
	var n int
	if err := s.get(ctx, &n, `SELECT COUNT(*) FROM messages WHERE instance_id = ? AND external_id = ?`, instanceID, externalID); err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, instanceID, externalID string) (*models.Message, error) {
	var m models.Message
	if err := s.get(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE instance_id = ? AND external_id = ?`, instanceID, externalID); err != nil {
		return nil, err
	}
	return &m, nil
}

// AdvanceMessageStatus moves a message status forward along
// received/sent < delivered < read. Backward moves are ignored and reported as false.
// Deleted messages are never updated.
func (s *Store) AdvanceMessageStatus(ctx context.Context, instanceID, externalID string, status models.MessageStatus) (bool, error) {
	current, err := s.GetMessageByExternalID(ctx, instanceID, externalID)
	if err != nil {
		return false, err
	}
	if current.Status == models.MessageDeleted {
		return false, nil
	}
	if status != models.MessageDeleted && status.Rank() <= current.Status.Rank() {
		return false, nil
	}
	n, err := s.exec(ctx, `UPDATE messages SET status = ? WHERE id = ? AND status = ?`, status, current.ID, current.Status)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		return false, ErrConflict
	}
	return true, nil
}

// ListRecentMessages returns up to limit messages of a conversation, oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []models.Message
	err := s.selectAll(ctx, &out, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY message_at DESC, created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
