package evolution

import "encoding/json"

// createInstanceRequest is the body of POST /instance/create.
type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

// connectResponse is returned by GET /instance/connect/{name}.
type connectResponse struct {
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	Count       int    `json:"count"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key messageKey `json:"key"`
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// webhookEnvelope is the outer shape of every Evolution webhook.
type webhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time"`
}

type connectionData struct {
	Instance     string `json:"instance"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason"`
}

type qrData struct {
	QRCode struct {
		Instance    string `json:"instance"`
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
	} `json:"qrcode"`
}

type messageData struct {
	Key              messageKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          messageContent  `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
}

type messageContent struct {
	Conversation        string        `json:"conversation"`
	ExtendedTextMessage *textMessage  `json:"extendedTextMessage"`
	ImageMessage        *mediaMessage `json:"imageMessage"`
	VideoMessage        *mediaMessage `json:"videoMessage"`
	AudioMessage        *mediaMessage `json:"audioMessage"`
	DocumentMessage     *mediaMessage `json:"documentMessage"`
	StickerMessage      *mediaMessage `json:"stickerMessage"`
	Base64              string        `json:"base64"`
}

type textMessage struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

type statusData struct {
	KeyID     string `json:"keyId"`
	MessageID string `json:"messageId"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	Status    string `json:"status"`
}

type deleteData struct {
	ID        string     `json:"id"`
	RemoteJID string     `json:"remoteJid"`
	Key       messageKey `json:"key"`
}

type presenceData struct {
	ID        string `json:"id"`
	Presences map[string]struct {
		LastKnownPresence string `json:"lastKnownPresence"`
	} `json:"presences"`
}

type chatData struct {
	RemoteJID      string `json:"remoteJid"`
	ID             string `json:"id"`
	UnreadMessages int    `json:"unreadMessages"`
	Archived       bool   `json:"archived"`
}

type contactData struct {
	RemoteJID string `json:"remoteJid"`
	ID        string `json:"id"`
	PushName  string `json:"pushName"`
}
