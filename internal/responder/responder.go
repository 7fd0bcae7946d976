// Package responder declares the intent and response generator contract and
// splits generated replies into queueable fragments.
package responder

import (
	"context"
	"strings"

	"zapdesk/internal/models"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Context is what the generator gets to see about a conversation.
type Context struct {
	OrganizationID string           `json:"organizationId"`
	ConversationID string           `json:"conversationId"`
	ContactName    string           `json:"contactName,omitempty"`
	ContactAddress string           `json:"contactAddress"`
	History        []models.Message `json:"history"`
}

type Analysis struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Urgency    Urgency `json:"urgency"`
	Escalate   bool    `json:"escalate"`
	Reason     string  `json:"reason,omitempty"`
}

// Responder is the external intent classifier plus reply generator.
type Responder interface {
	Analyze(ctx context.Context, message string, c Context) (*Analysis, error)
	GenerateResponse(ctx context.Context, a *Analysis, c Context) (string, error)
}

// Fragment splits a reply into at most limit chunks on paragraph boundaries,
// emulating a person typing several short messages. Remaining paragraphs
// are merged into the last chunk.
func Fragment(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 1 {
		return []string{text}
	}

	var parts []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) <= limit {
		return parts
	}
	head := parts[:limit-1]
	tail := strings.Join(parts[limit-1:], "\n\n")
	return append(head, tail)
}
