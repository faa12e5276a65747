package relay

import "strings"

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
	answerOpen    = "<answer>"
	answerClose   = "</answer>"
)

// Envelope wraps a reasoning trace and its answer into the stored
// thinking-mode format.
func Envelope(reasoning, answer string) string {
	return thinkingOpen + reasoning + thinkingClose + answerOpen + answer + answerClose
}

// AnswerOf returns the trimmed answer segment of an enveloped content, or
// content unchanged when it carries no envelope.
func AnswerOf(content string) string {
	if !strings.Contains(content, thinkingOpen) {
		return content
	}
	start := strings.Index(content, answerOpen)
	if start < 0 {
		return content
	}
	rest := content[start+len(answerOpen):]
	end := strings.Index(rest, answerClose)
	if end < 0 {
		return content
	}
	return strings.TrimSpace(rest[:end])
}

// Split separates enveloped content into its reasoning and answer. ok is
// false when content carries no complete envelope; answer is then content.
func Split(content string) (reasoning, answer string, ok bool) {
	answer = AnswerOf(content)
	if answer == content {
		return "", content, false
	}
	_, after, found := strings.Cut(content, thinkingOpen)
	if !found {
		return "", answer, true
	}
	reasoning, _, _ = strings.Cut(after, thinkingClose)
	return strings.TrimSpace(reasoning), answer, true
}
