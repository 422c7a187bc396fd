package ai

import "github.com/gsPatrick/sheila-api/internal/store"

// Tool names requested by the model.
const (
	toolUpdateCustomerData = "update_customer_data"
	toolGetProcessStatus   = "get_process_status"
)

// ParamSchema describes tool parameters using JSON Schema conventions.
type ParamSchema struct {
	Type        string                  `json:"type"`
	Description string                  `json:"description,omitempty"`
	Properties  map[string]*ParamSchema `json:"properties,omitempty"`
	Required    []string                `json:"required,omitempty"`
	Enum        []string                `json:"enum,omitempty"`
}

// toolDefs returns the tool declarations for the chat completion call.
func toolDefs() []any {
	update := &ParamSchema{
		Type: "object",
		Properties: map[string]*ParamSchema{
			"name": {Type: "string", Description: "Customer's full name"},
			"cpf":  {Type: "string", Description: "Customer's CPF or CNPJ (numbers only)"},
			"email": {
				Type: "string", Description: "Customer's email address",
			},
			"has_lawyer": {
				Type:        "boolean",
				Description: "Whether the customer already has a lawyer for this case. true if yes, false if no.",
			},
			"lawyer_response": {
				Type:        "string",
				Description: "The exact phrase the user said about having or not having a lawyer",
			},
			"area": {
				Type:        "string",
				Enum:        []string{"previdenciario", "trabalhista", "outro"},
				Description: "The area of law the customer needs help with",
			},
			"notes": {
				Type:        "string",
				Description: "Comprehensive summary of everything learned about the customer so far, in the mandatory template. Include employment history, health issues, benefits status, case details, and all relevant context.",
			},
			"triage_status": {
				Type:        "string",
				Enum:        []string{store.PhaseInProgress, store.PhaseFinalized, store.PhaseClosedEthics},
				Description: "Current triage status. Set to 'encerrada_etica' if customer has a lawyer, 'finalizada' when triage is complete and documents were requested.",
			},
		},
		Required: []string{"notes"},
	}

	status := &ParamSchema{Type: "object", Properties: map[string]*ParamSchema{}}

	return []any{
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        toolUpdateCustomerData,
				"description": "CRITICAL: You MUST call this function every single time the user provides ANY new information during the conversation: name, CPF, CNPJ, email, whether they have a lawyer, which legal area they need help with, or any details about their case. Always include ALL previously known fields plus the new information. Never skip calling this function when the user answers a question.",
				"parameters":  schemaToMap(update),
			},
		},
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        toolGetProcessStatus,
				"description": "Fetches the customer's case dossier (customer record and processes) from Tramitação Inteligente. Use when the customer asks about the status of their case.",
				"parameters":  schemaToMap(status),
			},
		},
	}
}

func schemaToMap(s *ParamSchema) map[string]any {
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any)
		for k, v := range s.Properties {
			props[k] = schemaToMap(v)
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return m
}

// --- arg extraction helpers ---

// optionalString extracts an optional string argument, "" if absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalBool extracts an optional bool argument, nil if absent.
func optionalBool(args map[string]any, key string) *bool {
	v, ok := args[key].(bool)
	if !ok {
		return nil
	}
	return &v
}
