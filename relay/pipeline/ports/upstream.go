package relayports

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Chat roles accepted from callers.
const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleSystem    = openai.ChatMessageRoleSystem
)

// ChatMessage is a single conversation entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OutcomeKind classifies an upstream call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// FatalKind refines OutcomeFatal.
type FatalKind int

const (
	FatalNone     FatalKind = iota
	FatalProtocol           // 2xx with a body that breaks the chat-completions contract
	FatalAuth               // 401/403, the server credentials were rejected
	FatalOutage             // 5xx
	FatalRejected           // any other 4xx
)

func (k FatalKind) String() string {
	switch k {
	case FatalProtocol:
		return "protocol"
	case FatalAuth:
		return "auth"
	case FatalOutage:
		return "outage"
	case FatalRejected:
		return "rejected"
	}
	return "none"
}

// Outcome is what an upstream call produced after retries.
type Outcome struct {
	Kind       OutcomeKind
	Fatal      FatalKind
	Text       string        // raw model text on success
	Status     int           // last HTTP status, 0 for network failures
	RetryAfter time.Duration // provider hint on 429
	Attempts   int
	Err        error // internal detail, never shown to callers
}

// Upstream sends an already augmented conversation to the model provider.
type Upstream interface {
	Call(ctx context.Context, messages []ChatMessage) Outcome
}
