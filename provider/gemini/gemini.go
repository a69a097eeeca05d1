package gemini_provider

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

// client implements the provider interface using the Gemini generateContent API
type client struct {
	id         provider.ID
	apiKey     string
	baseURL    string
	model      string
	withSearch bool
	httpClient *http.Client
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch struct{} `json:"google_search"`
}

// request represents a request to the Gemini API
type request struct {
	SystemInstruction *content  `json:"system_instruction,omitempty"`
	Contents          []content `json:"contents"`
	Tools             []tool    `json:"tools,omitempty"`
}

// response represents a response from the Gemini API
type response struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// NewClient creates a Gemini client. withSearch enables Google Search
// grounding on every call.
func NewClient(id provider.ID, apiKey, baseURL, model string, withSearch bool, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &client{
		id:         id,
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		withSearch: withSearch,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate sends the conversation to Gemini and returns the reply text
func (c *client) Generate(ctx context.Context, systemPrompt string, turns []provider.Turn) (string, error) {
	reqBody := request{Contents: make([]content, 0, len(turns))}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	for _, t := range turns {
		role := "user"
		if t.Role == provider.RoleAssistant {
			role = "model"
		}
		reqBody.Contents = append(reqBody.Contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	if c.withSearch {
		reqBody.Tools = []tool{{}}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

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

	var geminiResp response
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return "", &provider.Error{Provider: c.id, Kind: provider.KindMalformedResponse, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", &provider.Error{Provider: c.id, Kind: provider.KindMalformedResponse, Err: errors.New("no candidates in response")}
	}
	return geminiResp.Candidates[0].Content.Parts[0].Text, nil
}
