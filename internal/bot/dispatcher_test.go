package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/gsPatrick/sheila-api/internal/echo"
	"github.com/gsPatrick/sheila-api/internal/session"
	"github.com/gsPatrick/sheila-api/internal/store"
	"github.com/gsPatrick/sheila-api/internal/zapi"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	calls chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan string, 16)}
}

func (f *fakeSender) Send(ctx context.Context, phone, text string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	f.calls <- text
	return "msg-out-1", nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTurns struct {
	calls chan string
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{calls: make(chan string, 16)}
}

func (f *fakeTurns) RunTurn(ctx context.Context, contactNumber string) error {
	f.calls <- contactNumber
	return nil
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	return f.data, f.err
}

type fakeTranscriber struct {
	text  string
	err   error
	calls chan struct{}
}

func newFakeTranscriber(text string, err error) *fakeTranscriber {
	return &fakeTranscriber{text: text, err: err, calls: make(chan struct{}, 16)}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	defer func() { f.calls <- struct{}{} }()
	return f.text, f.err
}

type nopPublisher struct{}

func (nopPublisher) Publish(event string, payload any) {}

// marshalingPublisher serializes every payload the way the websocket
// hub does, so shared-struct writes surface under the race detector.
type marshalingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func newMarshalingPublisher() *marshalingPublisher {
	return &marshalingPublisher{events: make(map[string]int)}
}

func (p *marshalingPublisher) Publish(event string, payload any) {
	if _, err := json.Marshal(payload); err != nil {
		return
	}
	p.mu.Lock()
	p.events[event]++
	p.mu.Unlock()
}

func (p *marshalingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[event]
}

type testEnv struct {
	store    *store.BoltStore
	sender   *fakeSender
	turns    *fakeTurns
	stt      *fakeTranscriber
	dispatch *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := echo.NewCache(time.Minute)
	t.Cleanup(cache.Close)

	sender := newFakeSender()
	turns := newFakeTurns()
	stt := newFakeTranscriber("", errors.New("whisper indisponível"))

	d := NewDispatcher(
		s,
		cache,
		session.NewManager(),
		NewRateLimiter(rate.Inf, 1),
		sender,
		turns,
		nil,
		&fakeDownloader{data: []byte("OggS")},
		stt,
		nopPublisher{},
		nil,
		dir,
	)
	d.GreetingDelay = func() time.Duration { return 0 }

	return &testEnv{store: s, sender: sender, turns: turns, stt: stt, dispatch: d}
}

func inboundText(phone, body string) zapi.Event {
	return zapi.Event{
		Type:       zapi.TypeReceived,
		MessageID:  "in-" + body,
		Phone:      phone,
		SenderName: "Maria",
		Text:       &zapi.TextContent{Message: body},
	}
}

// seedStarted creates a conversation that already got its greeting, so
// Handle routes the next inbound message to the AI turn.
func seedStarted(t *testing.T, s *store.BoltStore, phone string, aiEnabled bool) *store.Conversation {
	t.Helper()
	conv, _, err := s.FindOrCreateConversation(phone, "Maria", aiEnabled)
	if err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}
	err = s.SaveMessage(&store.Message{
		ConversationID: conv.ID,
		FromMe:         true,
		Body:           "Olá!",
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding outbound: %v", err)
	}
	return conv
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectSilence[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHandleIgnoresStatusCallbacks(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch.Handle(zapi.Event{Type: zapi.TypeMessageStatus, Phone: "5511999990000", MessageID: "st-1"})
	env.dispatch.Handle(zapi.Event{Type: zapi.TypeDelivery, Phone: "5511999990000", MessageID: "dl-1"})

	conv, err := env.store.GetConversation("5511999990000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv != nil {
		t.Fatal("status callbacks must not create conversations")
	}
}

func TestHandleIgnoresGroupsAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	ev := inboundText("5511999990000-group", "oi")
	env.dispatch.Handle(ev)

	ev = inboundText("120363abc@g.us", "oi")
	env.dispatch.Handle(ev)

	ev = inboundText("5511999990000", "oi")
	ev.IsGroup = true
	env.dispatch.Handle(ev)

	expectSilence(t, env.sender.calls, "send for group event")
	for _, phone := range []string{"5511999990000-group", "120363abc@g.us", "5511999990000"} {
		if conv, _ := env.store.GetConversation(phone); conv != nil {
			t.Fatalf("group event created conversation for %s", phone)
		}
	}
}

func TestEchoSuppressedOutboundKeepsAIOn(t *testing.T) {
	env := newTestEnv(t)
	conv := seedStarted(t, env.store, "5511999990000", true)

	env.dispatch.echo.Register("zapi-echo-1")

	ev := inboundText("5511999990000", "Olá!")
	ev.FromMe = true
	ev.MessageID = "zapi-echo-1"
	env.dispatch.Handle(ev)

	after, err := env.store.GetConversation("5511999990000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.AIEnabled {
		t.Fatal("echo of our own reply must not disable the AI")
	}

	msgs, err := env.store.RecentMessages(conv.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("echo event persisted: %d messages, want 1", len(msgs))
	}
}

func TestUnregisteredSelfMessageDisablesAI(t *testing.T) {
	env := newTestEnv(t)
	seedStarted(t, env.store, "5511999990000", true)

	ev := inboundText("5511999990000", "Pode deixar que eu assumo daqui.")
	ev.FromMe = true
	env.dispatch.Handle(ev)

	after, _ := env.store.GetConversation("5511999990000")
	if after.AIEnabled {
		t.Fatal("operator message must hand the conversation over")
	}

	// Takeover is idempotent: a second operator message changes nothing.
	ev.MessageID = "in-second"
	env.dispatch.Handle(ev)
	after, _ = env.store.GetConversation("5511999990000")
	if after.AIEnabled {
		t.Fatal("second operator message re-enabled the AI")
	}
	expectSilence(t, env.turns.calls, "AI turn after takeover")
}

func TestBlacklistedContactIsInvisible(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.AddBlacklist(store.BlacklistEntry{PhoneNumber: "99990000"}); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	env.dispatch.Handle(inboundText("5511999990000", "oi"))

	expectSilence(t, env.sender.calls, "send to blacklisted contact")
	expectSilence(t, env.turns.calls, "AI turn for blacklisted contact")
	if conv, _ := env.store.GetConversation("5511999990000"); conv != nil {
		t.Fatal("blacklisted event created a conversation")
	}
}

func TestFirstTurnSendsScriptedGreeting(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch.Handle(inboundText("5511999990000", "Bom dia"))

	sentText := waitFor(t, env.sender.calls, "greeting send")
	if sentText != defaultGreeting {
		t.Fatalf("first outbound = %q, want the greeting script", sentText)
	}
	expectSilence(t, env.turns.calls, "model call on the first turn")

	// The greeting is persisted after the send returns, so poll.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conv, _ := env.store.GetConversation("5511999990000")
		if conv != nil && conv.GreetingSent {
			msgs, err := env.store.RecentMessages(conv.ID, 10)
			if err != nil {
				t.Fatalf("messages: %v", err)
			}
			if len(msgs) != 2 || !msgs[1].FromMe || msgs[1].Body != defaultGreeting {
				t.Fatalf("greeting not persisted as outbound: %+v", msgs)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("greeting never marked on the conversation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGreetingPrecedesAIEvenWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.SetSetting("aiDefaultEnabled", "false"); err != nil {
		t.Fatalf("setting: %v", err)
	}

	env.dispatch.Handle(inboundText("5511999990000", "Bom dia"))

	sentText := waitFor(t, env.sender.calls, "greeting send")
	if sentText != defaultGreeting {
		t.Fatalf("first outbound = %q, want the greeting script", sentText)
	}

	conv, _ := env.store.GetConversation("5511999990000")
	if conv.AIEnabled {
		t.Fatal("aiDefaultEnabled=false ignored on creation")
	}
}

func TestSecondTurnRunsAI(t *testing.T) {
	env := newTestEnv(t)
	seedStarted(t, env.store, "5511999990000", true)

	env.dispatch.Handle(inboundText("5511999990000", "Meu nome é Maria Silva"))

	phone := waitFor(t, env.turns.calls, "AI turn")
	if phone != "5511999990000" {
		t.Fatalf("turn ran for %q", phone)
	}
	expectSilence(t, env.sender.calls, "direct dispatcher send on an AI turn")
}

func TestAIDisabledSkipsTurn(t *testing.T) {
	env := newTestEnv(t)
	conv := seedStarted(t, env.store, "5511999990000", false)

	env.dispatch.Handle(inboundText("5511999990000", "alguém aí?"))

	expectSilence(t, env.turns.calls, "AI turn while disabled")

	// The message itself is still recorded for the human operator.
	msgs, err := env.store.RecentMessages(conv.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("inbound not persisted during takeover: %d messages", len(msgs))
	}
}

func TestReactivationKeyword(t *testing.T) {
	env := newTestEnv(t)
	conv := seedStarted(t, env.store, "5511999990000", false)

	env.dispatch.Handle(inboundText("5511999990000", "ATIVAR"))

	reply := waitFor(t, env.sender.calls, "reactivation reply")
	if reply != reactivationReply {
		t.Fatalf("reply = %q, want the reactivation confirmation", reply)
	}

	after, _ := env.store.GetConversation("5511999990000")
	if !after.AIEnabled {
		t.Fatal("keyword did not re-enable the AI")
	}

	// The keyword is consumed, not stored as conversation content.
	msgs, err := env.store.RecentMessages(conv.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for _, m := range msgs {
		if strings.EqualFold(m.Body, "ativar") {
			t.Fatal("reactivation keyword persisted as a message")
		}
	}
}

func TestSentinelsToggleExistingConversation(t *testing.T) {
	env := newTestEnv(t)
	seedStarted(t, env.store, "5511999990000", true)

	off := inboundText("5511999990000", sentinelDisable)
	off.FromMe = true
	env.dispatch.Handle(off)

	conv, _ := env.store.GetConversation("5511999990000")
	if conv.AIEnabled {
		t.Fatal("# did not disable the AI")
	}

	on := inboundText("5511999990000", sentinelEnable)
	on.FromMe = true
	on.MessageID = "in-star"
	env.dispatch.Handle(on)

	conv, _ = env.store.GetConversation("5511999990000")
	if !conv.AIEnabled {
		t.Fatal("* did not re-enable the AI")
	}

	// Sentinels never create conversations.
	ghost := inboundText("5511888880000", sentinelDisable)
	ghost.FromMe = true
	env.dispatch.Handle(ghost)
	if c, _ := env.store.GetConversation("5511888880000"); c != nil {
		t.Fatal("sentinel created a conversation")
	}
}

func TestAudioKeepsPlaceholderWhenTranscriptionFails(t *testing.T) {
	env := newTestEnv(t)
	conv := seedStarted(t, env.store, "5511999990000", false)

	ev := zapi.Event{
		Type:      zapi.TypeReceived,
		MessageID: "in-audio",
		Phone:     "5511999990000",
		Audio:     &zapi.AudioContent{AudioURL: "https://media.example/voice.ogg", MimeType: "audio/ogg"},
	}
	env.dispatch.Handle(ev)

	waitFor(t, env.stt.calls, "transcription attempt")

	msgs, err := env.store.RecentMessages(conv.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Body != audioPlaceholder {
		t.Fatalf("audio body = %q, want %q", last.Body, audioPlaceholder)
	}
	if last.Transcription != "" {
		t.Fatalf("failed transcription stored text %q", last.Transcription)
	}
	if last.AudioPath == "" {
		t.Fatal("downloaded audio path not recorded")
	}
}

func TestAudioTranscriptionStored(t *testing.T) {
	env := newTestEnv(t)
	env.stt.text = "Meu nome é Maria Silva"
	env.stt.err = nil
	conv := seedStarted(t, env.store, "5511999990000", false)

	ev := zapi.Event{
		Type:      zapi.TypeReceived,
		MessageID: "in-audio",
		Phone:     "5511999990000",
		Audio:     &zapi.AudioContent{AudioURL: "https://media.example/voice.ogg", MimeType: "audio/ogg"},
	}
	env.dispatch.Handle(ev)

	waitFor(t, env.stt.calls, "transcription")

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := env.store.RecentMessages(conv.ID, 10)
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		last := msgs[len(msgs)-1]
		if last.Transcription == "Meu nome é Maria Silva" {
			if last.Body != audioPlaceholder {
				t.Fatalf("transcription replaced the placeholder body: %q", last.Body)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcription never stored, last message: %+v", last)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAudioBurstPublishesAndTranscribesCleanly(t *testing.T) {
	env := newTestEnv(t)
	env.stt.text = "transcrito"
	env.stt.err = nil
	pub := newMarshalingPublisher()
	env.dispatch.hub = pub
	seedStarted(t, env.store, "5511999990000", false)

	const burst = 50
	for i := 0; i < burst; i++ {
		env.dispatch.Handle(zapi.Event{
			Type:      zapi.TypeReceived,
			MessageID: fmt.Sprintf("in-audio-%d", i),
			Phone:     "5511999990000",
			Audio:     &zapi.AudioContent{AudioURL: "https://media.example/voice.ogg", MimeType: "audio/ogg"},
		})
	}
	for i := 0; i < burst; i++ {
		waitFor(t, env.stt.calls, "transcription")
	}

	// Every event was published once on arrival and republished once
	// after its transcription landed.
	if got := pub.count("new_message"); got != burst {
		t.Fatalf("new_message events = %d, want %d", got, burst)
	}
	deadline := time.Now().Add(2 * time.Second)
	for pub.count("message_updated") < burst {
		if time.Now().After(deadline) {
			t.Fatalf("message_updated events = %d, want %d", pub.count("message_updated"), burst)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmptyEventsAreDropped(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch.Handle(zapi.Event{Type: zapi.TypeReceived, MessageID: "in-empty", Phone: "5511999990000"})

	if conv, _ := env.store.GetConversation("5511999990000"); conv != nil {
		t.Fatal("empty event created a conversation")
	}
}

func TestAllowlistGatesAIDefault(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.allowlist = []string{"1234"}

	env.dispatch.Handle(inboundText("5511999991234", "oi"))
	waitFor(t, env.sender.calls, "greeting for allow-listed contact")
	conv, _ := env.store.GetConversation("5511999991234")
	if !conv.AIEnabled {
		t.Fatal("allow-listed contact started with AI off")
	}

	env.dispatch.Handle(inboundText("5511999990000", "oi"))
	waitFor(t, env.sender.calls, "greeting for non-listed contact")
	conv, _ = env.store.GetConversation("5511999990000")
	if conv.AIEnabled {
		t.Fatal("non-listed contact started with AI on")
	}
}

func TestRateLimiterPerContact(t *testing.T) {
	l := NewRateLimiter(rate.Every(time.Hour), 1)

	if !l.Allow("5511999990000") {
		t.Fatal("first message must pass")
	}
	if l.Allow("5511999990000") {
		t.Fatal("burst exhausted, second message must be dropped")
	}
	if !l.Allow("5511888880000") {
		t.Fatal("another contact must have its own bucket")
	}

	l.Cleanup(0)
	if !l.Allow("5511999990000") {
		t.Fatal("cleanup must reset idle buckets")
	}
}
