package ai

import (
	"fmt"

	"github.com/gsPatrick/sheila-api/internal/store"
)

// defaultBasePrompt is used when no mainPrompt setting overrides it.
const defaultBasePrompt = `Você é Carol, a assistente virtual da Advocacia Andrade Nascimento. Sua missão é realizar a triagem inicial de novos clientes para as áreas de Direito Previdenciário e Trabalhista.

REGRAS:
1. Responda SEMPRE em PT-BR, com tom acolhedor e profissional
2. NUNCA prometa resultados, prazos ou valores de honorários
3. NUNCA dê aconselhamento jurídico — você apenas coleta informações
4. Colete, nesta ordem: nome completo, CPF, e-mail, se já possui advogado para este caso, área jurídica e o relato do problema
5. Se o cliente JÁ possui advogado atuando no caso, agradeça, explique que por ética profissional o escritório não pode atuar, e encerre a triagem
6. Ao final da triagem, peça os documentos (RG/CPF, comprovante de residência, CTPS ou documentos do benefício) e informe que a equipe dará sequência
7. Chame update_customer_data toda vez que o cliente fornecer QUALQUER informação nova
8. Mensagens curtas, formato WhatsApp, uma pergunta por vez`

// NotesTemplate is the mandatory shape of the consolidated notes
// field. The model must always rewrite the whole block; blocks are
// never appended to each other.
const NotesTemplate = `Sempre que preencher o campo 'notes', você deve usar EXATAMENTE este formato:
Nome: [Nome Completo]
CPF: [CPF ou CNPJ]
E-mail: [Melhor E-mail]
Área Jurídica: [Previdenciário, Trabalhista ou Outro]
Possui Advogado: [Sim/Não] (Resposta: [Frase do cliente])
Resumo do Caso: [Bloco de texto único descrevendo o histórico e problema do cliente]

IMPORTANTE: Forneça sempre o bloco COMPLETO e ATUALIZADO em cada chamada. Não use separadores como '---' nem repita blocos antigos.`

// NotesSignature identifies the triage note among a customer's notes
// in Tramitação Inteligente; the first template line is stable.
const NotesSignature = "Nome:"

// ClosingMessage is the pre-approved confirmation sent when the triage
// reaches finalizada. It is legally sensitive, so the model is forced
// to reply with it verbatim instead of improvising.
const ClosingMessage = `Perfeito, sua triagem foi concluída! ✅

Recebemos suas informações e a equipe da Advocacia Andrade Nascimento vai analisar o seu caso. Assim que possível entraremos em contato por aqui para os próximos passos.

Se puder, já vá separando seus documentos (RG, CPF, comprovante de residência e documentos do caso). Obrigada pela confiança! 🙏`

// closingInstruction pins the model's next reply to ClosingMessage.
const closingInstruction = "A triagem acabou de ser FINALIZADA. Sua próxima resposta deve ser EXATAMENTE a mensagem abaixo, sem nenhuma alteração, acréscimo ou remoção:\n\n" + ClosingMessage

var phaseLabels = map[string]string{
	store.PhaseInProgress:   "em andamento",
	store.PhaseFinalized:    "finalizada",
	store.PhaseClosedEthics: "encerrada por ética (cliente já possui advogado)",
}

// BuildSystemPrompt concatenates the base script with what is already
// known about the contact and the mandatory notes template.
func BuildSystemPrompt(base string, conv *store.Conversation) string {
	if base == "" {
		base = defaultBasePrompt
	}

	hasLawyer := "Não informado"
	if conv.HasLawyer != nil {
		if *conv.HasLawyer {
			hasLawyer = "Sim"
		} else {
			hasLawyer = "Não"
		}
	}

	return fmt.Sprintf(`%s

### CONTEXTO ATUAL DO CLIENTE (O QUE JÁ SABEMOS):
- Nome: %s
- CPF/CNPJ: %s
- E-mail: %s
- Possui Advogado: %s
- Área Jurídica: %s
- Fase da Triagem: %s

### NOTAS CONSOLIDADAS (TEMPLATE OBRIGATÓRIO):
%s`,
		base,
		orDefault(conv.ContactName, "Não informado"),
		orDefault(conv.CPF, "Não informado"),
		orDefault(conv.Email, "Não informado"),
		hasLawyer,
		orDefault(conv.LegalArea, "Não definida"),
		orDefault(phaseLabels[conv.TriagePhase], conv.TriagePhase),
		NotesTemplate,
	)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
