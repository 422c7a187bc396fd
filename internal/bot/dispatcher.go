package bot

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gsPatrick/sheila-api/internal/echo"
	"github.com/gsPatrick/sheila-api/internal/session"
	"github.com/gsPatrick/sheila-api/internal/store"
	"github.com/gsPatrick/sheila-api/internal/trello"
	"github.com/gsPatrick/sheila-api/internal/zapi"
)

const (
	// Single-character sentinels the human operator types from the
	// office phone to hand the conversation over or back.
	sentinelDisable = "#"
	sentinelEnable  = "*"

	audioPlaceholder = "[Áudio]"

	defaultReactivationKeyword = "ativar"
	reactivationReply          = "Prontinho! A assistente virtual foi reativada e vai continuar seu atendimento por aqui. 😊"

	defaultGreeting = `Olá! Seja bem-vindo(a) à Advocacia Andrade Nascimento. 😊

Eu sou a Carol, assistente virtual do escritório, e vou fazer sua triagem inicial para as áreas de Direito Previdenciário e Trabalhista.

Para começarmos, por favor, me diga seu nome completo.`

	turnTimeout = 2 * time.Minute
)

// TurnRunner drives one AI turn for a conversation.
type TurnRunner interface {
	RunTurn(ctx context.Context, contactNumber string) error
}

// Sender delivers outbound text (greeting, reactivation reply).
type Sender interface {
	Send(ctx context.Context, phone, text string) (string, error)
}

// Publisher fans events out to realtime observers.
type Publisher interface {
	Publish(event string, payload any)
}

// Commenter is the Trello slice used to mirror inbound messages onto
// an already-existing intake card.
type Commenter interface {
	Configured() bool
	FindCard(ctx context.Context, phone string) (*trello.Card, error)
	AddComment(ctx context.Context, cardID, text string) error
}

// Downloader fetches webhook media to local bytes.
type Downloader interface {
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

// Transcriber turns a downloaded audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Dispatcher classifies, filters and persists inbound gateway events,
// then routes them to human-takeover handling or to the AI turn.
type Dispatcher struct {
	store     store.Store
	echo      *echo.Cache
	sessions  *session.Manager
	limiter   *RateLimiter
	sender    Sender
	turns     TurnRunner
	kanban    Commenter
	media     Downloader
	stt       Transcriber
	hub       Publisher
	allowlist []string
	dataDir   string

	// GreetingDelay spaces the scripted first reply out so the
	// platform's anti-spam heuristics don't flag the number. Tests
	// override it.
	GreetingDelay func() time.Duration
}

func NewDispatcher(
	s store.Store,
	cache *echo.Cache,
	sessions *session.Manager,
	limiter *RateLimiter,
	sender Sender,
	turns TurnRunner,
	kanban Commenter,
	media Downloader,
	stt Transcriber,
	hub Publisher,
	allowlist []string,
	dataDir string,
) *Dispatcher {
	return &Dispatcher{
		store:     s,
		echo:      cache,
		sessions:  sessions,
		limiter:   limiter,
		sender:    sender,
		turns:     turns,
		kanban:    kanban,
		media:     media,
		stt:       stt,
		hub:       hub,
		allowlist: allowlist,
		dataDir:   dataDir,
		GreetingDelay: func() time.Duration {
			return 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
		},
	}
}

// Handle processes one webhook event. The transport has already been
// acked; every exit here is silent from the platform's point of view.
func (d *Dispatcher) Handle(ev zapi.Event) {
	if ev.Type != zapi.TypeReceived {
		return
	}
	if isGroupOrBroadcast(ev) {
		return
	}

	body := strings.TrimSpace(ev.Body())
	hasAudio := ev.Audio != nil && ev.Audio.AudioURL != ""

	if body == "" && !hasAudio {
		if ev.FromMe {
			return // self keepalive, nothing to do
		}
		if d.store.Setting("persistEmpty") != "true" {
			return
		}
	}

	// Our own reply bouncing back through the webhook.
	if ev.FromMe && d.echo.Consume(ev.MessageID) {
		return
	}

	if ev.FromMe && (body == sentinelDisable || body == sentinelEnable) {
		d.applySentinel(ev.Phone, body == sentinelEnable)
		return
	}

	blocked, err := d.store.IsBlacklisted(ev.Phone)
	if err != nil {
		log.Printf("bot: blacklist check failed for %s: %v", ev.Phone, err)
	}
	if blocked {
		log.Printf("bot: %s is blacklisted, ignoring", ev.Phone)
		return
	}

	conv, _, err := d.store.FindOrCreateConversation(ev.Phone, ev.SenderName, d.aiDefault(ev.Phone))
	if err != nil {
		log.Printf("bot: conversation lookup failed for %s: %v", ev.Phone, err)
		return
	}

	if !ev.FromMe && strings.EqualFold(body, d.reactivationKeyword()) {
		d.reactivate(conv)
		return
	}

	msg := d.persistMessage(&ev, conv, body, hasAudio)
	if msg == nil {
		return
	}

	d.hub.Publish("new_message", map[string]any{"message": msg, "chat": conv})
	if msg.AudioPath != "" {
		// The goroutine gets its own copy: it patches the transcription
		// and republishes, and must not write into the struct the hub
		// just serialized.
		go d.transcribe(conv.ID, *msg)
	}
	go d.commentOnCard(ev.Phone, msg.Body)

	if ev.FromMe {
		// A human operator genuinely typed a reply: takeover.
		d.setAIEnabled(ev.Phone, false)
		return
	}

	if !d.limiter.Allow(ev.Phone) {
		log.Printf("bot: rate limit hit for %s, dropping turn", ev.Phone)
		return
	}

	go d.runSerializedTurn(ev.Phone, conv.ID)
}

// runSerializedTurn holds the per-conversation lock across the whole
// turn so rapid back-to-back messages never run overlapping turns.
func (d *Dispatcher) runSerializedTurn(contactNumber, conversationID string) {
	err := d.sessions.WithLock(contactNumber, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
		defer cancel()

		hasOutbound, err := d.store.HasOutbound(conversationID)
		if err != nil {
			return fmt.Errorf("checking turn count: %w", err)
		}
		if !hasOutbound {
			// The very first reply is always the fixed script; the
			// model only joins from the second turn onward.
			return d.sendGreeting(ctx, contactNumber, conversationID)
		}

		conv, err := d.store.GetConversation(contactNumber)
		if err != nil {
			return err
		}
		if conv == nil || !conv.AIEnabled {
			return nil
		}
		return d.turns.RunTurn(ctx, contactNumber)
	})
	if err != nil {
		log.Printf("bot: turn failed for %s: %v", contactNumber, err)
	}
}

func (d *Dispatcher) sendGreeting(ctx context.Context, contactNumber, conversationID string) error {
	script := d.store.Setting("greetingScript")
	if script == "" {
		script = defaultGreeting
	}

	time.Sleep(d.GreetingDelay())

	if _, err := d.sender.Send(ctx, contactNumber, script); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	out := &store.Message{
		ConversationID: conversationID,
		FromMe:         true,
		Body:           script,
		Timestamp:      time.Now(),
	}
	if err := d.store.SaveMessage(out); err != nil {
		log.Printf("bot: failed to persist greeting for %s: %v", contactNumber, err)
	}
	conv, err := d.store.UpdateConversation(contactNumber, func(c *store.Conversation) error {
		c.GreetingSent = true
		return nil
	})
	if err != nil {
		log.Printf("bot: failed to mark greeting for %s: %v", contactNumber, err)
	}
	d.hub.Publish("new_message", map[string]any{"message": out, "chat": conv})
	return nil
}

// persistMessage stores the inbound unit. Audio is downloaded first
// and stored behind a placeholder body; the transcription lands later
// and never blocks creation.
func (d *Dispatcher) persistMessage(ev *zapi.Event, conv *store.Conversation, body string, hasAudio bool) *store.Message {
	msg := &store.Message{
		ConversationID: conv.ID,
		FromMe:         ev.FromMe,
		Body:           body,
		Timestamp:      time.Now(),
	}

	if hasAudio {
		msg.Body = audioPlaceholder
		path, err := d.downloadAudio(ev.Audio.AudioURL)
		if err != nil {
			log.Printf("bot: audio download failed for %s: %v", ev.Phone, err)
		} else {
			msg.AudioPath = path
		}
	}

	if err := d.store.SaveMessage(msg); err != nil {
		log.Printf("bot: failed to persist message for %s: %v", ev.Phone, err)
		return nil
	}
	return msg
}

func (d *Dispatcher) downloadAudio(url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := d.media.DownloadMedia(ctx, url)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(d.dataDir, "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("audio_%d.ogg", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// transcribe patches the stored message once Whisper answers. On
// failure the placeholder body stays and the conversation goes on.
func (d *Dispatcher) transcribe(conversationID string, msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	text, err := d.stt.Transcribe(ctx, msg.AudioPath)
	if err != nil {
		log.Printf("bot: transcription failed for message %s: %v", msg.ID, err)
		return
	}
	if err := d.store.SetTranscription(conversationID, msg.ID, text); err != nil {
		log.Printf("bot: failed to store transcription for %s: %v", msg.ID, err)
		return
	}
	msg.Transcription = text
	d.hub.Publish("message_updated", &msg)
}

// applySentinel flips the AI flag for an existing conversation when
// the operator types one of the control characters.
func (d *Dispatcher) applySentinel(contactNumber string, enable bool) {
	conv, err := d.store.GetConversation(contactNumber)
	if err != nil || conv == nil {
		return
	}
	d.setAIEnabled(contactNumber, enable)
}

func (d *Dispatcher) setAIEnabled(contactNumber string, enabled bool) {
	conv, err := d.store.UpdateConversation(contactNumber, func(c *store.Conversation) error {
		c.AIEnabled = enabled
		return nil
	})
	if err != nil {
		log.Printf("bot: failed to set AI=%v for %s: %v", enabled, contactNumber, err)
		return
	}
	d.hub.Publish("chat_updated", conv)
}

// reactivate turns the AI back on when the contact sends the keyword,
// replying with a fixed confirmation. The keyword itself is consumed,
// not stored.
func (d *Dispatcher) reactivate(conv *store.Conversation) {
	d.setAIEnabled(conv.ContactNumber, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := d.sender.Send(ctx, conv.ContactNumber, reactivationReply); err != nil {
		log.Printf("bot: failed to confirm reactivation for %s: %v", conv.ContactNumber, err)
	}
}

func (d *Dispatcher) commentOnCard(phone, text string) {
	if d.kanban == nil || !d.kanban.Configured() || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	card, err := d.kanban.FindCard(ctx, phone)
	if err != nil {
		log.Printf("bot: trello lookup failed for %s: %v", phone, err)
		return
	}
	if card == nil {
		return
	}
	if err := d.kanban.AddComment(ctx, card.ID, "💬 **Mensagem Cliente:** "+text); err != nil {
		log.Printf("bot: trello comment failed for %s: %v", phone, err)
	}
}

// aiDefault decides the AI flag for brand-new conversations. With a
// rollout allow-list configured only matching contacts start enabled;
// otherwise the aiDefaultEnabled setting rules (on unless set to
// "false").
func (d *Dispatcher) aiDefault(contactNumber string) bool {
	if len(d.allowlist) > 0 {
		for _, suffix := range d.allowlist {
			if strings.HasSuffix(contactNumber, suffix) {
				return true
			}
		}
		return false
	}
	return d.store.Setting("aiDefaultEnabled") != "false"
}

func (d *Dispatcher) reactivationKeyword() string {
	if kw := d.store.Setting("reactivationKeyword"); kw != "" {
		return kw
	}
	return defaultReactivationKeyword
}

func isGroupOrBroadcast(ev zapi.Event) bool {
	if ev.IsGroup || ev.Broadcast {
		return true
	}
	return strings.Contains(ev.Phone, "-group") || strings.HasSuffix(ev.Phone, "@g.us")
}
