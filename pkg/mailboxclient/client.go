/**
 * @description
 * This package provides a client for the mail relay service, which owns the
 * actual mailbox protocol (IMAP credentials, folder state, read markers) and
 * exposes a small HTTP API over it. The ledger-service only needs two calls:
 * list unread messages and mark a message consumed.
 */
package mailboxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/grouptoken/ledger-service/internal/app"
)

// Client is a client for the mail relay service. It implements
// app.MailboxReader.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new mail relay client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// relayMessage is the relay's wire representation of a mailbox message.
type relayMessage struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

type listUnreadResponse struct {
	Messages []relayMessage `json:"messages"`
}

// ListUnread fetches messages the relay has not yet seen consumed.
func (c *Client) ListUnread(ctx context.Context) ([]app.MailboxMessage, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("mail relay base url is empty")
	}

	url := fmt.Sprintf("%s/messages/unread", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to mail relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mail relay returned error status %d", resp.StatusCode)
	}

	var response listUnreadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	messages := make([]app.MailboxMessage, 0, len(response.Messages))
	for _, m := range response.Messages {
		messages = append(messages, app.MailboxMessage{
			ID:         m.ID,
			Subject:    m.Subject,
			Sender:     m.Sender,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
		})
	}
	return messages, nil
}

// MarkConsumed tells the relay a message has been fully handled and must not
// be listed again.
func (c *Client) MarkConsumed(ctx context.Context, messageID string) error {
	if c.baseURL == "" {
		return fmt.Errorf("mail relay base url is empty")
	}

	// RFC 2822 message ids carry characters like '/' that would corrupt
	// the request path.
	url := fmt.Sprintf("%s/messages/%s/consume", c.baseURL, neturl.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to mail relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mail relay returned error status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}
