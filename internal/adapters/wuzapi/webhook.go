package wuzapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"

	"zapdesk/internal/adapters"
	"zapdesk/internal/events"
	"zapdesk/internal/models"
)

const ProviderName = "wuzapi"

// eventPayload is the JSON document wuzapi posts, either as the request body
// or form-encoded in the jsonData field.
type eventPayload struct {
	Type         string          `json:"type"`
	InstanceName string          `json:"instanceName"`
	Event        json.RawMessage `json:"event"`
	Base64       string          `json:"base64"`
	MimeType     string          `json:"mimeType"`
	FileName     string          `json:"fileName"`
	QRCodeBase64 string          `json:"qrCodeBase64"`
}

type messageInfo struct {
	ID        string    `json:"ID"`
	Chat      string    `json:"Chat"`
	Sender    string    `json:"Sender"`
	IsFromMe  bool      `json:"IsFromMe"`
	IsGroup   bool      `json:"IsGroup"`
	PushName  string    `json:"PushName"`
	Timestamp time.Time `json:"Timestamp"`
	MediaType string    `json:"MediaType"`
}

type mediaContent struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

type messageEvent struct {
	Info    messageInfo `json:"Info"`
	Message struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage    *mediaContent `json:"imageMessage"`
		VideoMessage    *mediaContent `json:"videoMessage"`
		AudioMessage    *mediaContent `json:"audioMessage"`
		DocumentMessage *mediaContent `json:"documentMessage"`
		StickerMessage  *mediaContent `json:"stickerMessage"`
	} `json:"Message"`
}

type receiptEvent struct {
	MessageIDs []string  `json:"MessageIDs"`
	Chat       string    `json:"Chat"`
	Type       string    `json:"Type"`
	Timestamp  time.Time `json:"Timestamp"`
}

type presenceEvent struct {
	From        string `json:"From"`
	Chat        string `json:"Chat"`
	Unavailable bool   `json:"Unavailable"`
	State       string `json:"State"`
}

type contactEvent struct {
	JID     string         `json:"JID"`
	Action  *contactAction `json:"Action"`
	Message *contactPush   `json:"Message"`
}

type contactAction struct {
	Name string `json:"name"`
}

type contactPush struct {
	PushName string `json:"pushName"`
}

type deleteEvent struct {
	Chat      string `json:"Chat"`
	MessageID string `json:"MessageID"`
}

// Decoder converts wuzapi webhooks into canonical events.
type Decoder struct {
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

var _ adapters.Decoder = (*Decoder)(nil)

func (d *Decoder) Provider() string { return ProviderName }

// Decode accepts a JSON body or a form body carrying jsonData and instanceName.
func (d *Decoder) Decode(body []byte, contentType string) ([]events.Event, error) {
	raw, instanceName, err := unwrapForm(body, contentType)
	if err != nil {
		return nil, err
	}

	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("wuzapi: decode payload: %w", err)
	}
	if p.InstanceName == "" {
		p.InstanceName = instanceName
	}
	if p.InstanceName == "" {
		return nil, errors.New("wuzapi: webhook has no instanceName")
	}

	ev := events.Event{Provider: ProviderName, InstanceName: p.InstanceName, ReceivedAt: d.now().UTC()}
	if !isValidEventType(p.Type) {
		ev.Payload = events.Unknown{Type: p.Type}
		return []events.Event{ev}, nil
	}

	payload, err := decodePayload(p)
	if errors.Is(err, adapters.ErrIgnoredChat) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wuzapi: %s: %w", p.Type, err)
	}
	ev.Payload = payload
	return []events.Event{ev}, nil
}

func unwrapForm(body []byte, contentType string) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/x-www-form-urlencoded" {
		return body, "", nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, "", fmt.Errorf("wuzapi: parse form: %w", err)
	}
	data := values.Get("jsonData")
	if data == "" {
		return nil, "", errors.New("wuzapi: form has no jsonData")
	}
	return []byte(data), values.Get("instanceName"), nil
}

func decodePayload(p eventPayload) (events.Payload, error) {
	switch p.Type {
	case "Message":
		var m messageEvent
		if err := json.Unmarshal(p.Event, &m); err != nil {
			return nil, err
		}
		return inboundMessage(m, p)

	case "ReadReceipt", "Receipt":
		var r receiptEvent
		if err := json.Unmarshal(p.Event, &r); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(r.Chat)
		if err != nil {
			return nil, err
		}
		return events.StatusUpdate{ExternalIDs: r.MessageIDs, RemoteAddress: addr, Status: receiptStatus(r.Type), Timestamp: r.Timestamp}, nil

	case "Connected", "PairSuccess", "KeepAliveRestored":
		return events.ConnectionUpdate{State: models.StateOpen}, nil
	case "Disconnected", "LoggedOut", "StreamReplaced", "TemporaryBan":
		return events.ConnectionUpdate{State: models.StateClosed, Reason: p.Type}, nil
	case "ConnectFailure", "KeepAliveTimeout":
		return events.ConnectionUpdate{State: models.StateError, Reason: p.Type}, nil

	case "QR", "QRCode":
		var code string
		_ = json.Unmarshal(p.Event, &code)
		return events.QRUpdate{Code: code, Image: p.QRCodeBase64}, nil
	case "QRTimeout":
		return events.ConnectionUpdate{State: models.StateClosed, Reason: p.Type}, nil

	case "Presence", "ChatPresence":
		var pr presenceEvent
		if err := json.Unmarshal(p.Event, &pr); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(firstNonEmpty(pr.From, pr.Chat))
		if err != nil {
			return nil, err
		}
		presence := pr.State
		if presence == "" {
			presence = "available"
			if pr.Unavailable {
				presence = "unavailable"
			}
		}
		return events.PresenceUpdate{RemoteAddress: addr, Presence: presence}, nil

	case "PushNameSetting", "Picture":
		var c contactEvent
		if err := json.Unmarshal(p.Event, &c); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(c.JID)
		if err != nil {
			return nil, err
		}
		name := ""
		if c.Action != nil {
			name = c.Action.Name
		} else if c.Message != nil {
			name = c.Message.PushName
		}
		return events.ContactUpdate{RemoteAddress: addr, Name: name}, nil

	case "DeleteForMe":
		var del deleteEvent
		if err := json.Unmarshal(p.Event, &del); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(del.Chat)
		if err != nil {
			return nil, err
		}
		return events.MessageDeletion{ExternalID: del.MessageID, RemoteAddress: addr}, nil

	case "Archive", "MarkChatAsRead":
		var c struct {
			JID string `json:"JID"`
		}
		if err := json.Unmarshal(p.Event, &c); err != nil {
			return nil, err
		}
		addr, err := adapters.Address(c.JID)
		if err != nil {
			return nil, err
		}
		return events.ChatUpdate{RemoteAddress: addr, Archived: p.Type == "Archive"}, nil

	default:
		return events.Unknown{Type: p.Type}, nil
	}
}

func inboundMessage(m messageEvent, p eventPayload) (events.Payload, error) {
	if m.Info.IsGroup {
		return nil, adapters.ErrIgnoredChat
	}
	addr, err := adapters.Address(m.Info.Chat)
	if err != nil {
		return nil, err
	}
	if m.Info.ID == "" {
		return nil, errors.New("message has no ID")
	}

	msg := events.InboundMessage{
		ExternalID:    m.Info.ID,
		RemoteAddress: addr,
		PushName:      m.Info.PushName,
		FromMe:        m.Info.IsFromMe,
		Type:          models.TypeText,
		Timestamp:     m.Info.Timestamp,
	}

	body := m.Message
	var mc *mediaContent
	switch {
	case body.Conversation != "":
		msg.Text = body.Conversation
	case body.ExtendedTextMessage != nil:
		msg.Text = body.ExtendedTextMessage.Text
	case body.ImageMessage != nil:
		msg.Type, mc = models.TypeImage, body.ImageMessage
	case body.VideoMessage != nil:
		msg.Type, mc = models.TypeVideo, body.VideoMessage
	case body.AudioMessage != nil:
		msg.Type, mc = models.TypeAudio, body.AudioMessage
	case body.DocumentMessage != nil:
		msg.Type, mc = models.TypeDocument, body.DocumentMessage
	case body.StickerMessage != nil:
		msg.Type, mc = models.TypeSticker, body.StickerMessage
	}
	if mc != nil {
		msg.Media = &events.Media{URL: mc.URL, MimeType: mc.Mimetype, FileName: firstNonEmpty(mc.FileName, p.FileName), Caption: mc.Caption}
		if p.Base64 != "" {
			data, mimeType, err := decodeInline(p.Base64)
			if err != nil {
				return nil, fmt.Errorf("inline media: %w", err)
			}
			msg.Media.Data = data
			msg.Media.MimeType = firstNonEmpty(msg.Media.MimeType, p.MimeType, mimeType)
		}
	}
	return msg, nil
}

// decodeInline accepts either a data URL or a bare base64 string.
func decodeInline(s string) ([]byte, string, error) {
	if !strings.HasPrefix(s, "data:") {
		s = "data:application/octet-stream;base64," + s
	}
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return du.Data, du.ContentType(), nil
}

func receiptStatus(t string) models.MessageStatus {
	switch strings.ToLower(t) {
	case "read", "read-self", "played":
		return models.MessageRead
	case "sender":
		return models.MessageSent
	case "server-error":
		return models.MessageFailed
	default:
		return models.MessageDelivered
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
