package evolution

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/adapters"
	"zapdesk/internal/events"
	"zapdesk/internal/models"
)

const ProviderName = "evolution"

// Decoder converts Evolution webhook bodies into canonical events.
type Decoder struct {
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

var _ adapters.Decoder = (*Decoder)(nil)

func (d *Decoder) Provider() string { return ProviderName }

// Decode parses one webhook body. Event names are accepted in both the
// dotted form (messages.upsert) and the upper-case form (MESSAGES_UPSERT).
func (d *Decoder) Decode(body []byte, _ string) ([]events.Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("evolution: decode envelope: %w", err)
	}
	if env.Instance == "" {
		return nil, errors.New("evolution: webhook has no instance")
	}

	base := events.Event{Provider: ProviderName, InstanceName: env.Instance, ReceivedAt: d.now().UTC()}
	payloads, err := decodePayloads(eventName(env.Event), env.Data)
	if err != nil {
		return nil, fmt.Errorf("evolution: %s: %w", env.Event, err)
	}

	out := make([]events.Event, 0, len(payloads))
	for _, p := range payloads {
		ev := base
		ev.Payload = p
		out = append(out, ev)
	}
	return out, nil
}

func eventName(raw string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "."))
}

func decodePayloads(name string, data json.RawMessage) ([]events.Payload, error) {
	switch name {
	case "connection.update":
		var c connectionData
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		reason := ""
		if c.StatusReason != 0 {
			reason = strconv.Itoa(c.StatusReason)
		}
		return []events.Payload{events.ConnectionUpdate{State: MapState(c.State), Reason: reason}}, nil

	case "qrcode.updated":
		var q qrData
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return []events.Payload{events.QRUpdate{Code: q.QRCode.Code, Image: q.QRCode.Base64}}, nil

	case "messages.upsert", "send.message":
		items, err := objectOrArray[messageData](data)
		if err != nil {
			return nil, err
		}
		var out []events.Payload
		for _, m := range items {
			msg, err := inboundMessage(m)
			if errors.Is(err, adapters.ErrIgnoredChat) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil

	case "messages.update":
		items, err := objectOrArray[statusData](data)
		if err != nil {
			return nil, err
		}
		var out []events.Payload
		for _, s := range items {
			status, ok := mapAck(s.Status)
			if !ok {
				continue
			}
			id := s.KeyID
			if id == "" {
				id = s.MessageID
			}
			addr, err := adapters.Address(s.RemoteJID)
			if err != nil {
				continue
			}
			out = append(out, events.StatusUpdate{ExternalIDs: []string{id}, RemoteAddress: addr, Status: status})
		}
		return out, nil

	case "messages.delete":
		var del deleteData
		if err := json.Unmarshal(data, &del); err != nil {
			return nil, err
		}
		id, jid := del.ID, del.RemoteJID
		if id == "" {
			id, jid = del.Key.ID, del.Key.RemoteJID
		}
		addr, err := adapters.Address(jid)
		if err != nil {
			return nil, nil
		}
		return []events.Payload{events.MessageDeletion{ExternalID: id, RemoteAddress: addr}}, nil

	case "presence.update":
		var p presenceData
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(p.ID)
		if err != nil {
			return nil, nil
		}
		presence := ""
		for _, v := range p.Presences {
			presence = v.LastKnownPresence
		}
		return []events.Payload{events.PresenceUpdate{RemoteAddress: addr, Presence: presence}}, nil

	case "chats.update", "chats.upsert":
		items, err := objectOrArray[chatData](data)
		if err != nil {
			return nil, err
		}
		var out []events.Payload
		for _, c := range items {
			addr, err := adapters.Address(firstNonEmpty(c.RemoteJID, c.ID))
			if err != nil {
				continue
			}
			out = append(out, events.ChatUpdate{RemoteAddress: addr, UnreadCount: c.UnreadMessages, Archived: c.Archived})
		}
		return out, nil

	case "contacts.update", "contacts.upsert":
		items, err := objectOrArray[contactData](data)
		if err != nil {
			return nil, err
		}
		var out []events.Payload
		for _, c := range items {
			addr, err := adapters.Address(firstNonEmpty(c.RemoteJID, c.ID))
			if err != nil {
				continue
			}
			out = append(out, events.ContactUpdate{RemoteAddress: addr, Name: c.PushName})
		}
		return out, nil

	default:
		return []events.Payload{events.Unknown{Type: name}}, nil
	}
}

func inboundMessage(m messageData) (events.InboundMessage, error) {
	addr, err := adapters.Address(m.Key.RemoteJID)
	if err != nil {
		return events.InboundMessage{}, err
	}
	if m.Key.ID == "" {
		return events.InboundMessage{}, errors.New("message has no id")
	}

	msg := events.InboundMessage{
		ExternalID:    m.Key.ID,
		RemoteAddress: addr,
		PushName:      m.PushName,
		FromMe:        m.Key.FromMe,
		Type:          models.TypeText,
		Timestamp:     parseTimestamp(m.MessageTimestamp),
	}

	c := m.Message
	switch {
	case c.Conversation != "":
		msg.Text = c.Conversation
	case c.ExtendedTextMessage != nil:
		msg.Text = c.ExtendedTextMessage.Text
	case c.ImageMessage != nil:
		msg.Type, msg.Media = models.TypeImage, media(c.ImageMessage, c.Base64)
	case c.VideoMessage != nil:
		msg.Type, msg.Media = models.TypeVideo, media(c.VideoMessage, c.Base64)
	case c.AudioMessage != nil:
		msg.Type, msg.Media = models.TypeAudio, media(c.AudioMessage, c.Base64)
	case c.DocumentMessage != nil:
		msg.Type, msg.Media = models.TypeDocument, media(c.DocumentMessage, c.Base64)
	case c.StickerMessage != nil:
		msg.Type, msg.Media = models.TypeSticker, media(c.StickerMessage, c.Base64)
	}
	return msg, nil
}

func media(m *mediaMessage, b64 string) *events.Media {
	out := &events.Media{URL: m.URL, MimeType: m.MimeType, FileName: m.FileName, Caption: m.Caption}
	if b64 != "" {
		if data, err := base64.StdEncoding.DecodeString(b64); err == nil {
			out.Data = data
		} else {
			log.Warn().Err(err).Msg("Discarding undecodable inline media")
		}
	}
	return out
}

// mapAck maps provider ack names onto message statuses. Unknown acks are skipped.
func mapAck(status string) (models.MessageStatus, bool) {
	switch strings.ToUpper(status) {
	case "SERVER_ACK", "PENDING", "SENT":
		return models.MessageSent, true
	case "DELIVERY_ACK", "DELIVERED":
		return models.MessageDelivered, true
	case "READ", "PLAYED":
		return models.MessageRead, true
	case "ERROR", "FAILED":
		return models.MessageFailed, true
	default:
		return "", false
	}
}

// parseTimestamp accepts unix seconds as a number or a string.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func objectOrArray[T any](data json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
