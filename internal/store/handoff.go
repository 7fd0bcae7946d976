package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"zapdesk/internal/models"
)

const handoffColumns = `id, conversation_id, organization_id, from_handler, to_handler, reason, trigger_kind, actor, sequence, created_at`

// HandoffChange describes one handler change of a conversation.
type HandoffChange struct {
	ConversationID      string
	To                  models.Handler
	NeedsHumanAttention bool
	// AIEnabled, when set, overwrites the conversation's ai_handoff_enabled flag.
	AIEnabled *bool
	Reason    string
	Trigger   models.TriggerKind
	Actor     string
}

// HandoffOutcome is what ApplyHandoff committed. Record is nil when the
// conversation already had the target handler and only the timestamps moved.
type HandoffOutcome struct {
	From         models.Handler
	Conversation *models.Conversation
	Record       *models.HandoffRecord
}

// ApplyHandoff updates the conversation handler and appends the audit record
// in one transaction. The record is only inserted after the guarded
// conversation update succeeded, so a failed update leaves no record behind.
func (s *Store) ApplyHandoff(ctx context.Context, change HandoffChange) (*HandoffOutcome, error) {
	var out HandoffOutcome
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var conv models.Conversation
		err := tx.GetContext(ctx, &conv, tx.Rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), change.ConversationID)
		if err != nil {
			if isNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("load conversation: %w", err)
		}

		now := s.clock()
		out.From = conv.Handler
		enabled := conv.AIHandoffEnabled
		if change.AIEnabled != nil {
			enabled = *change.AIEnabled
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET handler = ?, needs_human_attention = ?,
			ai_handoff_enabled = ?, last_handoff_at = ?, last_handoff_by = ?, updated_at = ?
			WHERE id = ? AND handler = ?`),
			change.To, change.NeedsHumanAttention, enabled, now, change.Actor, now, conv.ID, conv.Handler)
		if err != nil {
			return fmt.Errorf("update conversation handler: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return ErrConflict
		}

		conv.Handler = change.To
		conv.NeedsHumanAttention = change.NeedsHumanAttention
		conv.AIHandoffEnabled = enabled
		conv.LastHandoffAt = &now
		conv.LastHandoffBy = change.Actor
		conv.UpdatedAt = now
		out.Conversation = &conv

		if out.From == change.To {
			return nil
		}

		var seq int64
		if err := tx.GetContext(ctx, &seq, tx.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM handoff_records WHERE conversation_id = ?`), conv.ID); err != nil {
			return fmt.Errorf("next handoff sequence: %w", err)
		}
		rec := &models.HandoffRecord{
			ID:             newID(),
			ConversationID: conv.ID,
			OrganizationID: conv.OrganizationID,
			FromHandler:    out.From,
			ToHandler:      change.To,
			Reason:         change.Reason,
			Trigger:        change.Trigger,
			Actor:          change.Actor,
			Sequence:       seq + 1,
			CreatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO handoff_records (`+handoffColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.ConversationID, rec.OrganizationID, rec.FromHandler, rec.ToHandler, rec.Reason,
			rec.Trigger, rec.Actor, rec.Sequence, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert handoff record: %w", err)
		}
		out.Record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListHandoffRecords returns the audit trail of a conversation in transition order.
func (s *Store) ListHandoffRecords(ctx context.Context, conversationID string) ([]models.HandoffRecord, error) {
	var out []models.HandoffRecord
	err := s.selectAll(ctx, &out, `SELECT `+handoffColumns+` FROM handoff_records WHERE conversation_id = ? ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list handoff records: %w", err)
	}
	return out, nil
}

// ListHandoffRecordsSince returns an organization's transitions created at or after since.
func (s *Store) ListHandoffRecordsSince(ctx context.Context, orgID string, since time.Time) ([]models.HandoffRecord, error) {
	var out []models.HandoffRecord
	err := s.selectAll(ctx, &out, `SELECT `+handoffColumns+` FROM handoff_records
		WHERE organization_id = ? AND created_at >= ? ORDER BY created_at, sequence`, orgID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list handoff records: %w", err)
	}
	return out, nil
}

func (s *Store) LatestHandoffRecord(ctx context.Context, conversationID string) (*models.HandoffRecord, error) {
	var rec models.HandoffRecord
	err := s.get(ctx, &rec, `SELECT `+handoffColumns+` FROM handoff_records WHERE conversation_id = ? ORDER BY sequence DESC LIMIT 1`, conversationID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, errNoRows)
}
