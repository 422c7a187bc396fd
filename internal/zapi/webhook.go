package zapi

import (
	"encoding/json"
	"log"
	"net/http"
)

// EventHandler receives each decoded webhook event. It runs on its own
// goroutine; the webhook response never waits for it.
type EventHandler func(Event)

type WebhookHandler struct {
	onEvent EventHandler
}

func NewWebhookHandler(onEvent EventHandler) *WebhookHandler {
	return &WebhookHandler{onEvent: onEvent}
}

// HandleIncoming decodes one Z-API callback and acks immediately.
// Z-API retries on non-2xx, so malformed payloads are also acked;
// redelivering them would not make them parse.
func (h *WebhookHandler) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Printf("webhook: failed to decode payload: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	go h.onEvent(ev)
	w.WriteHeader(http.StatusOK)
}
