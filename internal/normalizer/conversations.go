package normalizer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/models"
	"zapdesk/internal/responder"
	"zapdesk/internal/store"
)

// route decides who answers an inbound message and returns a short
// description of what happened.
func (n *Normalizer) route(ctx context.Context, inst *models.Instance, conv *models.Conversation, contact *models.Contact, msg *models.Message) string {
	if conv.Handler != models.HandlerAI || !conv.AIHandoffEnabled {
		return "handled by human"
	}

	if kw := matchKeyword(msg.Content, n.cfg.HandoffKeywords); kw != "" {
		res := n.handoff.TransferToHuman(ctx, conv.ID, "keyword: "+kw, models.TriggerKeyword, "", true)
		if !res.Success {
			log.Error().Str("conversationID", conv.ID).Str("error", res.Error).Msg("Keyword escalation failed")
			return "keyword escalation failed"
		}
		return "escalated by keyword"
	}

	if n.responder == nil {
		return "no responder configured"
	}
	if msg.Content == "" {
		return "nothing to answer"
	}

	settings, err := n.store.GetOrganizationSettings(ctx, inst.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		settings = &models.OrganizationSettings{OrganizationID: inst.OrganizationID, AutoReplyEnabled: true}
	} else if err != nil {
		log.Error().Err(err).Str("organization", inst.OrganizationID).Msg("Could not load organization settings")
		return "settings unavailable"
	}
	if !settings.AutoReplyEnabled {
		return "auto-reply disabled"
	}
	if !InBusinessHours(settings, n.now()) {
		return "outside business hours"
	}

	history, err := n.store.ListRecentMessages(ctx, conv.ID, n.cfg.HistorySize)
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conv.ID).Msg("Could not load history for responder")
	}
	rctx := responder.Context{
		OrganizationID: inst.OrganizationID,
		ConversationID: conv.ID,
		ContactName:    contact.Name,
		ContactAddress: contact.Address,
		History:        history,
	}

	analysis, err := n.responder.Analyze(ctx, msg.Content, rctx)
	if err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Responder analysis failed")
		return "analysis failed"
	}
	if analysis.Escalate || analysis.Urgency == responder.UrgencyHigh {
		reason := analysis.Reason
		if reason == "" {
			reason = "responder escalation: " + analysis.Intent
		}
		res := n.handoff.TransferToHuman(ctx, conv.ID, reason, models.TriggerAuto, "", true)
		if !res.Success {
			log.Error().Str("conversationID", conv.ID).Str("error", res.Error).Msg("Automatic escalation failed")
			return "escalation failed"
		}
		return "escalated by responder"
	}

	reply, err := n.responder.GenerateResponse(ctx, analysis, rctx)
	if err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Responder generation failed")
		return "generation failed"
	}
	parts := responder.Fragment(reply, n.cfg.FragmentMax)
	if len(parts) == 0 {
		return "empty reply"
	}

	now := n.now()
	queued := 0
	for i, part := range parts {
		priority := n.cfg.ReplyPriority - i
		if priority < 0 {
			priority = 0
		}
		item := &models.QueuedMessage{
			InstanceID:     inst.ID,
			ConversationID: conv.ID,
			Destination:    contact.Address,
			Type:           models.TypeText,
			Content:        part,
			Priority:       priority,
			NextAttemptAt:  now.Add(time.Duration(i) * n.cfg.FragmentDelay),
		}
		if err := n.queue.Enqueue(ctx, item); err != nil {
			log.Error().Err(err).Str("conversationID", conv.ID).Int("fragment", i).Msg("Could not enqueue reply")
			continue
		}
		queued++
	}
	if queued == 0 {
		return "reply could not be queued"
	}
	return "reply queued"
}

// matchKeyword returns the first keyword found in text, ignoring case.
func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// InBusinessHours reports whether at falls inside the organization's cron
// window, evaluated in its timezone. No window means always open; an invalid
// one is logged and treated as open.
func InBusinessHours(s *models.OrganizationSettings, at time.Time) bool {
	if s == nil || strings.TrimSpace(s.BusinessHours) == "" {
		return true
	}
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			log.Warn().Err(err).Str("timezone", s.Timezone).Msg("Unknown organization timezone, using UTC")
		} else {
			loc = l
		}
	}
	due, err := gronx.New().IsDue(s.BusinessHours, at.In(loc))
	if err != nil {
		log.Warn().Err(err).Str("expr", s.BusinessHours).Msg("Invalid business hours expression")
		return true
	}
	return due
}
