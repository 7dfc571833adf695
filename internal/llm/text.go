package llm

import (
	"regexp"
	"strings"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	reasoningTail  = regexp.MustCompile(`(?is)^.*</think>`)
	reasoningOpen  = regexp.MustCompile(`(?i)<think>`)
	jsonFence      = regexp.MustCompile("(?s)```json\\n?(.*?)\\n?```")
)

// StripReasoning removes every <think>...</think> block and trims the remainder. A closing tag
// left over by nesting or a missing opener drops everything before it; a stray opener is removed.
func StripReasoning(text string) string {
	text = reasoningBlock.ReplaceAllString(text, "")
	text = reasoningTail.ReplaceAllString(text, "")
	text = reasoningOpen.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// StripCodeFence returns the body of the first ```json fence, or the trimmed text when there is none.
func StripCodeFence(text string) string {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
