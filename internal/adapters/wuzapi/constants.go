package wuzapi

// List of supported event types
var supportedEventTypes = []string{
	// Messages and Communication
	"Message",
	"UndecryptableMessage",
	"Receipt",
	"MediaRetry",
	"ReadReceipt",

	// Contacts
	"Picture",
	"PushNameSetting",

	// Connection and Session
	"Connected",
	"Disconnected",
	"ConnectFailure",
	"KeepAliveRestored",
	"KeepAliveTimeout",
	"LoggedOut",
	"StreamReplaced",
	"TemporaryBan",
	"PairSuccess",
	"QR",
	"QRCode",
	"QRTimeout",

	// Presence and Activity
	"Presence",
	"ChatPresence",

	// Chat state
	"Archive",
	"MarkChatAsRead",
	"DeleteForMe",
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool, len(supportedEventTypes))
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}
