package zapi

// --- Incoming webhook payload ---
// Reference: https://developer.z-api.io/en/webhooks/on-message-received

// Event types delivered to the webhook. Only ReceivedCallback carries
// real message content; the rest are delivery/read/instance updates.
const (
	TypeReceived       = "ReceivedCallback"
	TypeDelivery       = "DeliveryCallback"
	TypeMessageStatus  = "MessageStatusCallback"
	TypeStatusInstance = "StatusInstanceCallback"
)

type Event struct {
	InstanceID string `json:"instanceId"`
	MessageID  string `json:"messageId"`
	Phone      string `json:"phone"`
	FromMe     bool   `json:"fromMe"`
	Momment    int64  `json:"momment"`
	Status     string `json:"status"`
	ChatName   string `json:"chatName"`
	SenderName string `json:"senderName"`
	IsGroup    bool   `json:"isGroup"`
	Broadcast  bool   `json:"broadcast"`
	Type       string `json:"type"`

	Text  *TextContent  `json:"text,omitempty"`
	Audio *AudioContent `json:"audio,omitempty"`
}

type TextContent struct {
	Message string `json:"message"`
}

type AudioContent struct {
	AudioURL string `json:"audioUrl"`
	MimeType string `json:"mimeType"`
}

// Body returns the text body, empty when the event has none.
func (e *Event) Body() string {
	if e.Text == nil {
		return ""
	}
	return e.Text.Message
}

// --- Outgoing send-text ---
// Reference: https://developer.z-api.io/en/message/send-message-text

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendTextResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}
