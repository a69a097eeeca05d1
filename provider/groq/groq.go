package groq_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/cody/provider"
)

// client implements the provider interface using Groq's OpenAI-compatible API
type client struct {
	id         provider.ID
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request represents a request to the Groq API
type request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// response represents a response from the Groq API
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates a new Groq client
func NewClient(id provider.ID, apiKey, baseURL, model string, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	return &client{
		id:         id,
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate sends the conversation to Groq and returns the reply text
func (c *client) Generate(ctx context.Context, systemPrompt string, turns []provider.Turn) (string, error) {
	messages := make([]Message, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	for _, t := range turns {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}

	jsonData, err := json.Marshal(request{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := provider.KindMalformedResponse
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			kind = provider.KindTimeout
		}
		return "", &provider.Error{Provider: c.id, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &provider.Error{Provider: c.id, Kind: provider.KindRateLimited, Err: fmt.Errorf("API returned status: %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", &provider.Error{Provider: c.id, Kind: provider.KindMalformedResponse, Err: fmt.Errorf("API returned status: %d", resp.StatusCode)}
	}

	var groqResp response
	if err := json.NewDecoder(resp.Body).Decode(&groqResp); err != nil {
		return "", &provider.Error{Provider: c.id, Kind: provider.KindMalformedResponse, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(groqResp.Choices) == 0 {
		return "", &provider.Error{Provider: c.id, Kind: provider.KindMalformedResponse, Err: errors.New("no choices in response")}
	}
	return groqResp.Choices[0].Message.Content, nil
}
