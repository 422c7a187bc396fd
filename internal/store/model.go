package store

import "time"

// Triage phases of a conversation. The phase only moves forward:
// em_andamento may become finalizada or encerrada_etica; both of those
// are terminal and never revert.
const (
	PhaseInProgress   = "em_andamento"
	PhaseFinalized    = "finalizada"
	PhaseClosedEthics = "encerrada_etica"
)

// Sync status of the link to Tramitação Inteligente.
const (
	SyncPending = "Pendente"
	SyncDone    = "Sincronizado"
	SyncError   = "Erro"
)

// TerminalPhase reports whether p is a terminal triage phase.
func TerminalPhase(p string) bool {
	return p == PhaseFinalized || p == PhaseClosedEthics
}

// Conversation is the per-contact intake record. ContactNumber is the
// unique key; profile fields are filled in by the AI as the triage
// advances.
type Conversation struct {
	ID            string `json:"id"`
	ContactNumber string `json:"contact_number"`
	ContactName   string `json:"contact_name,omitempty"`

	AIEnabled   bool   `json:"ai_enabled"`
	TriagePhase string `json:"triage_phase"`

	CPF            string `json:"cpf,omitempty"`
	Email          string `json:"email,omitempty"`
	HasLawyer      *bool  `json:"has_lawyer,omitempty"`
	LawyerResponse string `json:"lawyer_response,omitempty"`
	LegalArea      string `json:"legal_area,omitempty"`
	// Notes is the consolidated triage block. It is replaced wholesale
	// on every AI update, never appended to.
	Notes string `json:"notes,omitempty"`

	TramitacaoCustomerID int       `json:"tramitacao_customer_id,omitempty"`
	SyncStatus           string    `json:"sync_status"`
	LastSyncAt           time.Time `json:"last_sync_at,omitzero"`

	GreetingSent bool      `json:"greeting_sent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one inbound or outbound unit of content. AudioPath points
// at a locally downloaded file; Transcription is patched in later by
// the audio pipeline and never set at creation time.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FromMe         bool      `json:"from_me"`
	Body           string    `json:"body"`
	AudioPath      string    `json:"audio_path,omitempty"`
	Transcription  string    `json:"transcription,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// BlacklistEntry blocks a contact number. Matching is by suffix so the
// same entry covers numbers stored with or without country code.
type BlacklistEntry struct {
	PhoneNumber string    `json:"phone_number"`
	ContactName string    `json:"contact_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
