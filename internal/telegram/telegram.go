// Package telegram is the messaging transport client. Sends are
// best-effort: errors are logged, never propagated to the chat flow.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Update is the inbound webhook payload.
type Update struct {
	Message *Message `json:"message"`
}

// Message is one inbound chat message.
type Message struct {
	Chat Chat   `json:"chat"`
	From From   `json:"from"`
	Text string `json:"text"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type From struct {
	FirstName string `json:"first_name"`
}

// Sender is what the engine needs from the transport.
type Sender interface {
	SendText(ctx context.Context, chatID string, text string)
	SendTyping(ctx context.Context, chatID string)
}

// Client talks to the Telegram Bot API.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a transport client for the given bot token.
func NewClient(apiBase, token string, timeout time.Duration) *Client {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Client{
		apiBase:    apiBase,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.New(log.Writer(), "[TELEGRAM] ", log.LstdFlags),
	}
}

// SendText delivers a text message to a chat. Fire-and-forget.
func (c *Client) SendText(ctx context.Context, chatID string, text string) {
	payload := map[string]string{"chat_id": chatID, "text": text}
	if err := c.post(ctx, "sendMessage", payload); err != nil {
		c.logger.Printf("sendMessage to %s failed: %v", chatID, err)
	}
}

// SendTyping shows a typing indicator in a chat. Fire-and-forget.
func (c *Client) SendTyping(ctx context.Context, chatID string) {
	payload := map[string]string{"chat_id": chatID, "action": "typing"}
	if err := c.post(ctx, "sendChatAction", payload); err != nil {
		c.logger.Printf("sendChatAction to %s failed: %v", chatID, err)
	}
}

func (c *Client) post(ctx context.Context, method string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status: %d", resp.StatusCode)
	}
	return nil
}
