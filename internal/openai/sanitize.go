package openai

import (
	"regexp"
	"strings"

	oa "github.com/openai/openai-go"

	"catalyst/internal/chat"
)

var (
	reMarkdownImg = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`) // ![alt](url)
	reURL         = regexp.MustCompile(`https?://\S+`)
	reMarker      = regexp.MustCompile(`\[(?:VIEW_CHART|VIEW_ARTICLE|IMAGE_CARD|EVENT_CARD):[^\]]*\]`)
)

const maxHistoryChars = 2000

// sanitizeText removes media references, links and block markers, and caps
// the length to avoid huge blobs.
func sanitizeText(m string) string {
	text := reMarkdownImg.ReplaceAllString(m, "")
	text = reURL.ReplaceAllString(text, "")
	text = reMarker.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxHistoryChars {
		text = string(r[:maxHistoryChars])
	}
	return text
}

// sanitizeHistory keeps the last limit non-empty user/assistant turns.
func sanitizeHistory(history []chat.HistoryMessage, limit int) []oa.ChatCompletionMessageParamUnion {
	out := make([]oa.ChatCompletionMessageParamUnion, 0, len(history))
	for _, h := range history {
		text := sanitizeText(h.Content)
		if text == "" {
			continue
		}
		switch h.Role {
		case "user":
			out = append(out, oa.UserMessage(text))
		case "assistant":
			out = append(out, oa.AssistantMessage(text))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
