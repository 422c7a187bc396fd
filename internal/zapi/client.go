package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one Z-API instance. baseURL already carries the
// instance id and token path segments.
type Client struct {
	baseURL     string
	clientToken string
	http        *http.Client
}

func NewClient(baseURL, clientToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		clientToken: clientToken,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

// InstanceURL builds the per-instance base URL for the public Z-API.
func InstanceURL(instanceID, token string) string {
	return fmt.Sprintf("https://api.z-api.io/instances/%s/token/%s", instanceID, token)
}

// SendText delivers a text message and returns the provider-assigned
// message id, which the echo cache needs to recognize the redelivery.
func (c *Client) SendText(ctx context.Context, phone, message string) (string, error) {
	payload, err := json.Marshal(sendTextRequest{Phone: phone, Message: message})
	if err != nil {
		return "", fmt.Errorf("marshaling send-text: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send-text", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-Token", c.clientToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("z-api status %d: %s", resp.StatusCode, respBody)
	}

	var result sendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding send-text response: %w", err)
	}
	if result.MessageID != "" {
		return result.MessageID, nil
	}
	return result.ID, nil
}

// DownloadMedia fetches a media URL delivered in a webhook payload.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
