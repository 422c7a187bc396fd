package tramitacao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client wraps the Tramitação Inteligente REST API, the office's
// system of record for customers and case dossiers.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether credentials are present. Callers treat an
// unconfigured client as a degraded capability, not a fatal error.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// SearchCustomers looks customers up by CPF/CNPJ (digits only).
func (c *Client) SearchCustomers(ctx context.Context, cpfCnpj string) ([]Customer, error) {
	q := url.Values{"cpf_cnpj": {cpfCnpj}}
	body, err := c.do(ctx, http.MethodGet, "/clientes?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	// Envelope or bare array, depending on the API version.
	if isJSONObject(body) {
		var wrapped searchResponse
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decoding customer search: %w", err)
		}
		return wrapped.Customers, nil
	}
	var plain []Customer
	if err := json.Unmarshal(body, &plain); err != nil {
		return nil, fmt.Errorf("decoding customer search: %w", err)
	}
	return plain, nil
}

// CreateCustomer creates a cliente and returns the stored record.
func (c *Client) CreateCustomer(ctx context.Context, nc NewCustomer) (*Customer, error) {
	payload := map[string]NewCustomer{"customer": nc}
	body, err := c.do(ctx, http.MethodPost, "/clientes", payload)
	if err != nil {
		return nil, err
	}
	return decodeCustomer(body)
}

// UpdateCustomer patches fields of an existing cliente.
func (c *Client) UpdateCustomer(ctx context.Context, id int, nc NewCustomer) error {
	payload := map[string]NewCustomer{"customer": nc}
	_, err := c.do(ctx, http.MethodPatch, "/clientes/"+strconv.Itoa(id), payload)
	return err
}

// GetCustomer fetches one cliente by id.
func (c *Client) GetCustomer(ctx context.Context, id int) (*Customer, error) {
	body, err := c.do(ctx, http.MethodGet, "/clientes/"+strconv.Itoa(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeCustomer(body)
}

// ListNotes returns the notes attached to a customer.
func (c *Client) ListNotes(ctx context.Context, customerID int) ([]Note, error) {
	q := url.Values{"customer_id": {strconv.Itoa(customerID)}}
	body, err := c.do(ctx, http.MethodGet, "/notas?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	if isJSONObject(body) {
		var wrapped notesResponse
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decoding notes: %w", err)
		}
		return wrapped.Notes, nil
	}
	var plain []Note
	if err := json.Unmarshal(body, &plain); err != nil {
		return nil, fmt.Errorf("decoding notes: %w", err)
	}
	return plain, nil
}

func (c *Client) CreateNote(ctx context.Context, customerID int, content string) error {
	payload := map[string]any{"customer_id": customerID, "content": content}
	_, err := c.do(ctx, http.MethodPost, "/notas", payload)
	return err
}

func (c *Client) UpdateNote(ctx context.Context, noteID int, content string) error {
	payload := map[string]any{"content": content}
	_, err := c.do(ctx, http.MethodPatch, "/notas/"+strconv.Itoa(noteID), payload)
	return err
}

// UpsertNote replaces the customer's triage note wholesale: the note
// whose content starts with signature is updated if found, otherwise
// a new note is created.
func (c *Client) UpsertNote(ctx context.Context, customerID int, content, signature string) error {
	notes, err := c.ListNotes(ctx, customerID)
	if err != nil {
		return err
	}
	for _, n := range notes {
		if strings.HasPrefix(n.Content, signature) {
			return c.UpdateNote(ctx, n.ID, content)
		}
	}
	return c.CreateNote(ctx, customerID, content)
}

// FetchDossier loads the customer record plus its processes, the
// material behind the get_process_status tool.
func (c *Client) FetchDossier(ctx context.Context, customerID int) (*Dossier, error) {
	cust, err := c.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	q := url.Values{"customer_id": {strconv.Itoa(customerID)}}
	body, err := c.do(ctx, http.MethodGet, "/processos?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var procs []Process
	if err := json.Unmarshal(body, &procs); err != nil {
		// Processes are optional context; a missing or oddly shaped
		// listing must not hide the customer record.
		procs = nil
	}

	return &Dossier{Customer: *cust, Processes: procs}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("tramitacao: api key not configured")
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tramitacao %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tramitacao %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	return body, nil
}

func isJSONObject(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func decodeCustomer(body []byte) (*Customer, error) {
	var env customerEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Customer != nil && env.Customer.ID != 0 {
		return env.Customer, nil
	}
	var cust Customer
	if err := json.Unmarshal(body, &cust); err != nil || cust.ID == 0 {
		return nil, fmt.Errorf("decoding customer: unexpected payload %s", body)
	}
	return &cust, nil
}
