// Package chat consumes the copilot's streamed response: it frames the
// server-push stream into typed events, folds them into message state and
// splits the answer text into renderable blocks as it arrives.
package chat

import (
	"time"
)

// EventType is the "type" discriminator of a stream frame.
type EventType string

const (
	EventThinking     EventType = "thinking"
	EventMetadata     EventType = "metadata"
	EventTextDelta    EventType = "text_delta"
	EventContent      EventType = "content" // legacy text delta
	EventChartBlock   EventType = "chart_block"
	EventArticleBlock EventType = "article_block"
	EventImageBlock   EventType = "image_block"
	EventEventBlock   EventType = "event_block"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

var knownEvents = map[EventType]bool{
	EventThinking:     true,
	EventMetadata:     true,
	EventTextDelta:    true,
	EventContent:      true,
	EventChartBlock:   true,
	EventArticleBlock: true,
	EventImageBlock:   true,
	EventEventBlock:   true,
	EventDone:         true,
	EventError:        true,
}

// Known reports whether t is part of the protocol.
func (t EventType) Known() bool { return knownEvents[t] }

// Event is one decoded stream frame. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`

	Phase   string `json:"phase,omitempty"`
	Content string `json:"content,omitempty"`

	DataCards []DataCard     `json:"dataCards,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CardID string `json:"cardId,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// DataCard is structured data the answer can reference by id.
type DataCard struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// CardSet is the current card set keyed by id.
type CardSet map[string]DataCard

// NewCardSet indexes cards by id. Later duplicates win.
func NewCardSet(cards []DataCard) CardSet {
	s := make(CardSet, len(cards))
	for _, c := range cards {
		s[c.ID] = c
	}
	return s
}

// Lookup returns the card with id.
func (s CardSet) Lookup(id string) (DataCard, bool) {
	c, ok := s[id]
	return c, ok
}

// BlockType is the kind of a rendered block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockChart   BlockType = "chart"
	BlockArticle BlockType = "article"
	BlockImage   BlockType = "image"
	BlockEvent   BlockType = "event"
)

// ContentBlock is one renderable piece of an answer. Blocks are append-only.
type ContentBlock struct {
	ID      string         `json:"id"`
	Type    BlockType      `json:"type"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ThinkingStep is one reasoning progress update.
type ThinkingStep struct {
	Phase     string    `json:"phase"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a finalized assistant answer.
type Message struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	Blocks           []ContentBlock `json:"blocks"`
	DataCards        []DataCard     `json:"dataCards,omitempty"`
	Thinking         []ThinkingStep `json:"thinking,omitempty"`
	ThinkingDuration time.Duration  `json:"thinkingDuration"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// HistoryMessage is one prior turn sent with a request.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body POSTed to the chat endpoint.
type Request struct {
	Message             string           `json:"message"`
	ConversationHistory []HistoryMessage `json:"conversationHistory"`
	SelectedTickers     []string         `json:"selectedTickers"`
	Timezone            string           `json:"timezone"`
	ConversationID      string           `json:"conversationId,omitempty"`
}
