package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/gsPatrick/sheila-api/internal/store"
	"github.com/gsPatrick/sheila-api/internal/tramitacao"
	"github.com/gsPatrick/sheila-api/internal/trello"
)

const historyWindow = 15

// Sender delivers the final reply to the contact.
type Sender interface {
	Send(ctx context.Context, phone, text string) (string, error)
}

// Publisher fans events out to realtime observers.
type Publisher interface {
	Publish(event string, payload any)
}

// CaseManager is the slice of the Tramitação Inteligente client the
// orchestrator's side effects need.
type CaseManager interface {
	Configured() bool
	SearchCustomers(ctx context.Context, cpfCnpj string) ([]tramitacao.Customer, error)
	CreateCustomer(ctx context.Context, nc tramitacao.NewCustomer) (*tramitacao.Customer, error)
	UpsertNote(ctx context.Context, customerID int, content, signature string) error
	FetchDossier(ctx context.Context, customerID int) (*tramitacao.Dossier, error)
}

// Kanban is the slice of the Trello client used when a triage closes.
type Kanban interface {
	Configured() bool
	FindCard(ctx context.Context, phone string) (*trello.Card, error)
	CreateCard(ctx context.Context, name, desc, area string) (*trello.Card, error)
	UpdateCard(ctx context.Context, cardID, name, desc string) error
}

// Orchestrator runs one AI turn: context assembly, the tool-calling
// loop, tool side effects, and the outbound reply. Callers must hold
// the per-conversation lock for the whole turn.
type Orchestrator struct {
	client *Client
	store  store.Store
	crm    CaseManager
	kanban Kanban
	sender Sender
	hub    Publisher
}

func NewOrchestrator(client *Client, s store.Store, crm CaseManager, kanban Kanban, sender Sender, hub Publisher) *Orchestrator {
	return &Orchestrator{
		client: client,
		store:  s,
		crm:    crm,
		kanban: kanban,
		sender: sender,
		hub:    hub,
	}
}

// RunTurn produces and sends the assistant reply for the latest state
// of the conversation. Model-call and send failures abort the turn
// with nothing sent; tool side-effect failures only log.
func (o *Orchestrator) RunTurn(ctx context.Context, contactNumber string) error {
	conv, err := o.store.GetConversation(contactNumber)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", contactNumber)
	}

	history, err := o.store.RecentMessages(conv.ID, historyWindow)
	if err != nil {
		log.Printf("ai: failed to load history for %s: %v", contactNumber, err)
	}

	messages := []chatMessage{{
		Role:    "system",
		Content: BuildSystemPrompt(o.store.Setting("mainPrompt"), conv),
	}}
	messages = append(messages, toChatMessages(history)...)

	resp, err := o.client.chatCompletion(ctx, messages, toolDefs())
	if err != nil {
		return fmt.Errorf("chatCompletion: %w", err)
	}
	if len(resp.Choices) == 0 {
		log.Printf("ai: empty choices for %s, skipping turn", contactNumber)
		return nil
	}

	msg := resp.Choices[0].Message
	finalText := msg.Content

	if len(msg.ToolCalls) > 0 {
		messages = append(messages, msg)
		forceClosing := false

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				log.Printf("ai: bad tool arguments for %s: %v", tc.Function.Name, err)
				args = map[string]any{}
			}

			log.Printf("ai: tool %s for %s", tc.Function.Name, contactNumber)
			var result map[string]any
			switch tc.Function.Name {
			case toolUpdateCustomerData:
				var finalized bool
				result, finalized = o.applyCustomerUpdate(ctx, conv, args)
				forceClosing = forceClosing || finalized
			case toolGetProcessStatus:
				result = o.processStatus(ctx, conv)
			default:
				result = map[string]any{"error": "unknown tool: " + tc.Function.Name}
			}

			resultJSON, _ := json.Marshal(result)
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    string(resultJSON),
				ToolCallID: tc.ID,
			})
		}

		if forceClosing {
			messages = append(messages, chatMessage{Role: "system", Content: closingInstruction})
		}

		finalResp, err := o.client.chatCompletion(ctx, messages, nil)
		if err != nil {
			return fmt.Errorf("chatCompletion (final): %w", err)
		}
		if len(finalResp.Choices) == 0 {
			log.Printf("ai: empty final choices for %s, skipping turn", contactNumber)
			return nil
		}
		finalText = finalResp.Choices[0].Message.Content
	}

	if strings.TrimSpace(finalText) == "" {
		log.Printf("ai: empty reply for %s, nothing sent", contactNumber)
		return nil
	}

	if _, err := o.sender.Send(ctx, contactNumber, finalText); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	out := &store.Message{
		ConversationID: conv.ID,
		FromMe:         true,
		Body:           finalText,
		Timestamp:      time.Now(),
	}
	if err := o.store.SaveMessage(out); err != nil {
		log.Printf("ai: failed to persist reply for %s: %v", contactNumber, err)
	}
	o.hub.Publish("new_message", map[string]any{"message": out, "chat": conv})
	return nil
}

// applyCustomerUpdate merges the extracted fields over the stored
// conversation (last-write-wins, missing keeps previous) and fans out
// the side effects. The bool reports a transition into finalizada,
// which pins the model's next reply to the approved closing message.
func (o *Orchestrator) applyCustomerUpdate(ctx context.Context, conv *store.Conversation, args map[string]any) (map[string]any, bool) {
	prevPhase := conv.TriagePhase

	updated, err := o.store.UpdateConversation(conv.ContactNumber, func(c *store.Conversation) error {
		if v := optionalString(args, "name"); v != "" {
			c.ContactName = v
		}
		if v := optionalString(args, "cpf"); v != "" {
			c.CPF = digitsOnly(v)
		}
		if v := optionalString(args, "email"); v != "" {
			c.Email = v
		}
		if v := optionalBool(args, "has_lawyer"); v != nil {
			c.HasLawyer = v
		}
		if v := optionalString(args, "lawyer_response"); v != "" {
			c.LawyerResponse = v
		}
		if v := optionalString(args, "area"); v != "" {
			c.LegalArea = v
		}
		// The notes block is replaced wholesale, never merged.
		if v := optionalString(args, "notes"); v != "" {
			c.Notes = v
		}
		if v := optionalString(args, "triage_status"); validPhase(v) {
			c.TriagePhase = v
		}
		return nil
	})
	if err != nil {
		log.Printf("ai: customer update failed for %s: %v", conv.ContactNumber, err)
		return map[string]any{"error": "failed to save customer data"}, false
	}
	*conv = *updated

	// Side effects are isolated: one failing integration never blocks
	// the others or the reply.
	o.syncCustomer(ctx, conv)
	o.pushNotes(ctx, conv)

	enteredTerminal := store.TerminalPhase(conv.TriagePhase) && !store.TerminalPhase(prevPhase)
	if enteredTerminal {
		o.syncKanban(ctx, conv)
	}

	o.hub.Publish("chat_updated", conv)

	fields := make([]string, 0, len(args))
	for k := range args {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	finalized := enteredTerminal && conv.TriagePhase == store.PhaseFinalized
	return map[string]any{
		"updated_fields": fields,
		"status":         "Data saved successfully.",
	}, finalized
}

// syncCustomer links the conversation to Tramitação Inteligente once
// the identity fields are complete: search by CPF, link the match or
// create a new record.
func (o *Orchestrator) syncCustomer(ctx context.Context, conv *store.Conversation) {
	if !o.crm.Configured() || conv.TramitacaoCustomerID != 0 {
		return
	}
	if conv.ContactName == "" || conv.CPF == "" || conv.Email == "" {
		return
	}

	customerID := 0
	customers, err := o.crm.SearchCustomers(ctx, conv.CPF)
	if err != nil {
		log.Printf("ai: tramitacao search failed for %s: %v", conv.ContactNumber, err)
		o.markSync(conv, store.SyncError)
		return
	}
	if len(customers) > 0 {
		customerID = customers[0].ID
	} else {
		created, err := o.crm.CreateCustomer(ctx, tramitacao.NewCustomer{
			Name:        conv.ContactName,
			PhoneMobile: digitsOnly(conv.ContactNumber),
			CPFCNPJ:     conv.CPF,
			Email:       conv.Email,
		})
		if err != nil {
			log.Printf("ai: tramitacao create failed for %s: %v", conv.ContactNumber, err)
			o.markSync(conv, store.SyncError)
			return
		}
		customerID = created.ID
	}

	updated, err := o.store.UpdateConversation(conv.ContactNumber, func(c *store.Conversation) error {
		c.TramitacaoCustomerID = customerID
		c.SyncStatus = store.SyncDone
		c.LastSyncAt = time.Now()
		return nil
	})
	if err != nil {
		log.Printf("ai: failed to record tramitacao link for %s: %v", conv.ContactNumber, err)
		return
	}
	*conv = *updated
	log.Printf("ai: linked %s to tramitacao customer %d", conv.ContactNumber, customerID)
}

func (o *Orchestrator) markSync(conv *store.Conversation, status string) {
	updated, err := o.store.UpdateConversation(conv.ContactNumber, func(c *store.Conversation) error {
		c.SyncStatus = status
		return nil
	})
	if err != nil {
		log.Printf("ai: failed to record sync status for %s: %v", conv.ContactNumber, err)
		return
	}
	*conv = *updated
}

// pushNotes upserts the consolidated triage note on the linked
// customer.
func (o *Orchestrator) pushNotes(ctx context.Context, conv *store.Conversation) {
	if !o.crm.Configured() || conv.TramitacaoCustomerID == 0 || conv.Notes == "" {
		return
	}
	if err := o.crm.UpsertNote(ctx, conv.TramitacaoCustomerID, conv.Notes, NotesSignature); err != nil {
		log.Printf("ai: tramitacao note sync failed for %s: %v", conv.ContactNumber, err)
	}
}

// syncKanban locates or creates the Trello card summarizing a closed
// triage.
func (o *Orchestrator) syncKanban(ctx context.Context, conv *store.Conversation) {
	if !o.kanban.Configured() {
		return
	}

	name := strings.ToUpper(orDefault(conv.ContactName, "Cliente Novo")) + " - " + conv.ContactNumber
	desc := cardDescription(conv)

	card, err := o.kanban.FindCard(ctx, conv.ContactNumber)
	if err != nil {
		log.Printf("ai: trello search failed for %s: %v", conv.ContactNumber, err)
		return
	}
	if card != nil {
		if err := o.kanban.UpdateCard(ctx, card.ID, name, desc); err != nil {
			log.Printf("ai: trello update failed for %s: %v", conv.ContactNumber, err)
		}
		return
	}
	created, err := o.kanban.CreateCard(ctx, name, desc, conv.LegalArea)
	if err != nil {
		log.Printf("ai: trello create failed for %s: %v", conv.ContactNumber, err)
		return
	}
	log.Printf("ai: trello card created for %s: %s", conv.ContactNumber, created.ShortURL)
}

// processStatus resolves the get_process_status tool. Failures never
// reach the model as raw errors; the tool result instructs it what to
// tell the customer instead.
func (o *Orchestrator) processStatus(ctx context.Context, conv *store.Conversation) map[string]any {
	if !o.crm.Configured() || conv.TramitacaoCustomerID == 0 {
		return map[string]any{
			"linked":      false,
			"instruction": "O caso deste cliente ainda não está vinculado ao sistema de processos. Informe que a equipe fará a vinculação em breve e que ele será avisado por aqui.",
		}
	}

	dossier, err := o.crm.FetchDossier(ctx, conv.TramitacaoCustomerID)
	if err != nil {
		log.Printf("ai: dossier fetch failed for %s: %v", conv.ContactNumber, err)
		return map[string]any{
			"linked":      true,
			"error":       true,
			"instruction": "Houve uma falha de conexão ao consultar o sistema de processos. Informe ao cliente que não foi possível consultar agora e que tentaremos novamente em breve.",
		}
	}

	return map[string]any{
		"linked":    true,
		"customer":  dossier.Customer,
		"processes": dossier.Processes,
	}
}

func cardDescription(conv *store.Conversation) string {
	tiLink := ""
	if conv.TramitacaoCustomerID != 0 {
		tiLink = fmt.Sprintf("https://tramitacaointeligente.com.br/clientes/%d", conv.TramitacaoCustomerID)
	}
	return fmt.Sprintf(`### DADOS DA TRIAGEM
- **Nome:** %s
- **WhatsApp:** %s
- **CPF:** %s
- **E-mail:** %s
- **Área:** %s
- **Link TI:** %s

### RESUMO DO CASO
%s

---
*Gerado automaticamente pela Carol IA*`,
		orDefault(conv.ContactName, "Não Informado"),
		conv.ContactNumber,
		orDefault(conv.CPF, "Não Informado"),
		orDefault(conv.Email, "Não Informado"),
		orDefault(conv.LegalArea, "Não Definida"),
		tiLink,
		orDefault(conv.Notes, "Nenhuma nota disponível."),
	)
}

// toChatMessages maps stored messages to model roles, preferring the
// transcription over the placeholder body when one exists.
func toChatMessages(history []store.Message) []chatMessage {
	var out []chatMessage
	for _, m := range history {
		body := m.Body
		if m.Transcription != "" {
			body = m.Transcription
		}
		if body == "" {
			continue
		}
		role := "user"
		if m.FromMe {
			role = "assistant"
		}
		out = append(out, chatMessage{Role: role, Content: body})
	}
	return out
}

func validPhase(p string) bool {
	return p == store.PhaseInProgress || p == store.PhaseFinalized || p == store.PhaseClosedEthics
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
