package trello

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Card is the subset of the Trello card payload the intake uses.
type Card struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Desc     string `json:"desc"`
	ShortURL string `json:"shortUrl"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type searchResponse struct {
	Cards []Card `json:"cards"`
}

// Client wraps the Trello REST API for the intake board. A client with
// missing credentials is usable; every call degrades to a no-op error
// the caller logs.
type Client struct {
	baseURL string
	key     string
	token   string
	boardID string
	listID  string
	http    *http.Client
}

func NewClient(key, token, boardID, listID string) *Client {
	return &Client{
		baseURL: "https://api.trello.com/1",
		key:     key,
		token:   token,
		boardID: boardID,
		listID:  listID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBaseURL points the client at a different API host (tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

func (c *Client) Configured() bool {
	return c.key != "" && c.token != ""
}

// FindCard searches the board for a card whose title carries the
// contact number. Number formats drift (country code, extra 9th
// digit), so it tries the full number, the number without country
// code, and the last nine digits.
func (c *Client) FindCard(ctx context.Context, phone string) (*Card, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("trello: credentials not configured")
	}

	clean := digitsOnly(phone)
	terms := []string{clean}
	if strings.HasPrefix(clean, "55") {
		terms = append(terms, clean[2:])
	}
	if len(clean) > 9 {
		terms = append(terms, clean[len(clean)-9:])
	}

	for _, term := range terms {
		q := url.Values{
			"query":      {term},
			"modelTypes": {"cards"},
			"idBoards":   {c.boardID},
			"partial":    {"true"},
		}
		body, err := c.do(ctx, http.MethodGet, "/search", q)
		if err != nil {
			return nil, err
		}

		var result searchResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding card search: %w", err)
		}
		// Search matches loosely; require the digits to really appear
		// in the card title before trusting the hit.
		for _, card := range result.Cards {
			if strings.Contains(digitsOnly(card.Name), term) {
				return &card, nil
			}
		}
	}
	return nil, nil
}

// CreateCard places a new card on the configured intake list. area is
// matched against board labels so the card lands colored by legal area.
func (c *Client) CreateCard(ctx context.Context, name, desc, area string) (*Card, error) {
	if !c.Configured() || c.listID == "" {
		return nil, fmt.Errorf("trello: list or credentials not configured")
	}

	q := url.Values{
		"idList": {c.listID},
		"name":   {name},
		"desc":   {desc},
		"pos":    {"top"},
	}
	if area != "" {
		if label := c.matchLabel(ctx, area); label != "" {
			q.Set("idLabels", label)
		}
	}

	body, err := c.do(ctx, http.MethodPost, "/cards", q)
	if err != nil {
		return nil, err
	}
	var card Card
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("decoding created card: %w", err)
	}
	return &card, nil
}

// UpdateCard rewrites the card title and description.
func (c *Client) UpdateCard(ctx context.Context, cardID, name, desc string) error {
	q := url.Values{"name": {name}, "desc": {desc}}
	_, err := c.do(ctx, http.MethodPut, "/cards/"+cardID, q)
	return err
}

// AddComment appends a comment to a card.
func (c *Client) AddComment(ctx context.Context, cardID, text string) error {
	q := url.Values{"text": {text}}
	_, err := c.do(ctx, http.MethodPost, "/cards/"+cardID+"/actions/comments", q)
	return err
}

func (c *Client) matchLabel(ctx context.Context, area string) string {
	body, err := c.do(ctx, http.MethodGet, "/boards/"+c.boardID+"/labels", nil)
	if err != nil {
		return ""
	}
	var labels []Label
	if err := json.Unmarshal(body, &labels); err != nil {
		return ""
	}
	for _, l := range labels {
		if strings.Contains(strings.ToLower(l.Name), strings.ToLower(area)) {
			return l.ID
		}
	}
	return ""
}

// do issues a request with credentials in the query string, the way
// the Trello API authenticates.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("trello: credentials not configured")
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.key)
	params.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trello %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("trello %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	return body, nil
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
