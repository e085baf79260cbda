package pipeline

import (
	"strings"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// PromptBuilder prefixes conversations with the extraction-format instruction.
type PromptBuilder struct {
	instruction string
}

func NewPromptBuilder(instruction string) *PromptBuilder {
	return &PromptBuilder{instruction: instruction}
}

// normalizeContent is what the provider sees of a message; length bounds are
// checked against it too.
func normalizeContent(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// Augment returns a new slice holding the system instruction followed by the
// history. The history itself is left untouched.
func (b *PromptBuilder) Augment(history []ports.ChatMessage) []ports.ChatMessage {
	out := make([]ports.ChatMessage, 0, len(history)+1)
	out = append(out, ports.ChatMessage{Role: ports.RoleSystem, Content: normalizeContent(b.instruction)})
	for _, m := range history {
		out = append(out, ports.ChatMessage{Role: m.Role, Content: normalizeContent(m.Content)})
	}
	return out
}
