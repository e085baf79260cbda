package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// chatRequestSchema describes the shape of a POST /chat body.
const chatRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["history"],
  "properties": {
    "history": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

var validRoles = map[string]bool{
	ports.RoleUser:      true,
	ports.RoleAssistant: true,
	ports.RoleSystem:    true,
}

// MessageValidator checks the shape and bounds of a conversation.
type MessageValidator struct {
	minLength int
	maxLength int
	schema    *gojsonschema.Schema
}

// NewMessageValidator creates a validator for content lengths in [minLength, maxLength] runes.
func NewMessageValidator(minLength, maxLength int) (*MessageValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(chatRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &MessageValidator{minLength: minLength, maxLength: maxLength, schema: schema}, nil
}

type chatRequest struct {
	History []ports.ChatMessage `json:"history"`
}

// Decode checks a raw request body against the request schema, decodes the
// history and validates it. The first violation found is returned.
func (v *MessageValidator) Decode(raw []byte) ([]ports.ChatMessage, error) {
	if !json.Valid(raw) {
		return nil, errors.New("request body is not valid JSON")
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("request body could not be checked: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, fmt.Errorf("invalid request: %s: %s", first.Field(), first.Description())
	}

	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("request body could not be decoded: %w", err)
	}

	if err := v.Validate(req.History); err != nil {
		return nil, err
	}
	return req.History, nil
}

// Validate applies the conversation rules in order and stops at the first
// violation.
func (v *MessageValidator) Validate(history []ports.ChatMessage) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}

	for i, msg := range history {
		if msg.Role == "" {
			return fmt.Errorf("history[%d]: role is required", i)
		}
		content := normalizeContent(msg.Content)
		if content == "" && v.minLength > 0 {
			return fmt.Errorf("history[%d]: content is required", i)
		}
		if !validRoles[msg.Role] {
			return fmt.Errorf("history[%d]: role %q must be one of user, assistant, system", i, msg.Role)
		}
		n := utf8.RuneCountInString(content)
		if n < v.minLength {
			return fmt.Errorf("history[%d]: content must be at least %d characters", i, v.minLength)
		}
		if n > v.maxLength {
			return fmt.Errorf("history[%d]: content must be at most %d characters, got %d", i, v.maxLength, n)
		}
	}

	return nil
}
