// Package adapters holds what the provider webhook decoders share: the
// decoder contract and JID canonicalization.
package adapters

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"zapdesk/internal/events"
)

// ErrIgnoredChat marks addresses the channel does not serve, such as groups
// and status broadcasts.
var ErrIgnoredChat = errors.New("adapters: chat is not a direct conversation")

// Decoder turns one provider webhook body into canonical events.
type Decoder interface {
	Provider() string
	Decode(body []byte, contentType string) ([]events.Event, error)
}

// Address canonicalizes a provider JID (or bare phone number) to the user
// part of a direct chat. Device suffixes are dropped.
func Address(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("adapters: empty address")
	}
	if !strings.Contains(raw, "@") {
		return digitsOnly(raw), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return "", fmt.Errorf("adapters: parse jid %q: %w", raw, err)
	}
	jid = jid.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer, types.HiddenUserServer, types.LegacyUserServer:
		return jid.User, nil
	case types.GroupServer, types.BroadcastServer, types.NewsletterServer:
		return "", ErrIgnoredChat
	default:
		return "", fmt.Errorf("adapters: unsupported server %q: %w", jid.Server, ErrIgnoredChat)
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
