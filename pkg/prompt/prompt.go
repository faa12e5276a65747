// Package prompt assembles the relay request for a chat turn from the persona
// prompt, the stored history and the new user text.
package prompt

import (
	"strings"

	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/relay"
)

// MaxContextMessages is the number of most recent history entries replayed
// to the model.
const MaxContextMessages = 20

// DefaultSystemPrompt is used when the conversation has no persona prompt.
const DefaultSystemPrompt = "You are a helpful assistant."

// ThinkingMarker is the legacy leading token that requests thinking mode
// from inside the message text.
const ThinkingMarker = "[THINKING_MODE]\n"

// DefaultThinkingFamilies are the model id fragments that support thinking mode.
var DefaultThinkingFamilies = []string{"qwen", "qianwen"}

// ParseThinkingMarker strips a leading ThinkingMarker from text and reports
// whether it was present.
func ParseThinkingMarker(text string) (string, bool) {
	if clean, ok := strings.CutPrefix(text, ThinkingMarker); ok {
		return clean, true
	}
	return text, false
}

// Input is everything needed to build one relay request.
type Input struct {
	Model        string
	SystemPrompt string
	// History is the conversation so far, oldest first, excluding the new
	// user turn.
	History           []domain.Message
	UserText          string
	ThinkingRequested bool
}

// Builder turns an Input into a relay.Request.
type Builder struct {
	families []string
}

// NewBuilder returns a Builder that enables thinking only for models whose id
// contains one of families. Nil families selects DefaultThinkingFamilies.
func NewBuilder(families []string) *Builder {
	if families == nil {
		families = DefaultThinkingFamilies
	}
	lower := make([]string, 0, len(families))
	for _, f := range families {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			lower = append(lower, f)
		}
	}
	return &Builder{families: lower}
}

// SupportsThinking reports whether modelID belongs to a thinking-capable family.
func (b *Builder) SupportsThinking(modelID string) bool {
	id := strings.ToLower(modelID)
	for _, f := range b.families {
		if strings.Contains(id, f) {
			return true
		}
	}
	return false
}

// Build assembles the request: one system entry, at most MaxContextMessages
// cleaned history entries, then the new user entry.
func (b *Builder) Build(in Input) relay.Request {
	userText, marked := ParseThinkingMarker(in.UserText)
	requested := in.ThinkingRequested || marked

	system := in.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	history := in.History
	if len(history) > MaxContextMessages {
		history = history[len(history)-MaxContextMessages:]
	}

	msgs := make([]relay.Message, 0, len(history)+2)
	msgs = append(msgs, relay.Message{Role: relay.RoleSystem, Content: system})
	for _, m := range history {
		msgs = append(msgs, historyEntry(m))
	}
	msgs = append(msgs, relay.Message{Role: relay.RoleUser, Content: userText})

	return relay.Request{
		Model:    in.Model,
		Messages: msgs,
		Thinking: requested && b.SupportsThinking(in.Model),
	}
}

// Build uses a Builder with the default thinking families.
func Build(in Input) relay.Request {
	return NewBuilder(nil).Build(in)
}

// historyEntry maps a stored message onto the two replayed roles. Anything
// that is not a user message, system included, is replayed as assistant.
func historyEntry(m domain.Message) relay.Message {
	if m.Role == domain.RoleUser {
		return relay.Message{Role: relay.RoleUser, Content: m.Content}
	}

	content := m.Content
	if m.Role == domain.RoleAssistant {
		content, _ = ParseThinkingMarker(content)
		content = relay.AnswerOf(content)
	}
	return relay.Message{Role: relay.RoleAssistant, Content: content}
}
