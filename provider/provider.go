package provider

import (
	"context"
	"errors"
	"fmt"
)

// ID tags a provider slot in the fallback chain.
type ID string

const (
	SearchGrounded ID = "gemini-search"
	ChatCompletion ID = "gemini-chat"
	FactExtraction ID = "groq-extract"
)

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the interface that all generative implementations must satisfy
type Provider interface {
	Generate(ctx context.Context, systemPrompt string, turns []Turn) (string, error)
}

// ErrorKind classifies upstream provider failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindRateLimited       ErrorKind = "rate_limited"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// Error is a typed upstream failure.
type Error struct {
	Provider ID
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a provider Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
