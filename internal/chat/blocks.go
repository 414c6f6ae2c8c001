package chat

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultMinEmitLength is the shortest unterminated remainder emitted as a
// text block before the paragraph ends.
const DefaultMinEmitLength = 20

const markerPattern = `\[(?:VIEW_CHART:([^\[\]\s:]+):([^\[\]\s:]+)|(VIEW_ARTICLE|IMAGE_CARD|EVENT_CARD):([^\[\]\s]+))\]`

var (
	markerRe        = regexp.MustCompile(markerPattern)
	leadingMarkerRe = regexp.MustCompile(`^\s*` + markerPattern + `[ \t]*\n?`)
	partialTailRe   = regexp.MustCompile(`\[[^\]]*$`)
)

var markerBlockTypes = map[string]BlockType{
	"VIEW_ARTICLE": BlockArticle,
	"IMAGE_CARD":   BlockImage,
	"EVENT_CARD":   BlockEvent,
}

// Extractor splits streamed answer text into text blocks and inline card
// blocks without emitting markdown that may still be completed by later
// bytes.
type Extractor struct {
	// MinEmitLength defaults to DefaultMinEmitLength when zero.
	MinEmitLength int

	newID func() string
}

// NewExtractor returns an extractor with uuid block ids.
func NewExtractor() *Extractor {
	return &Extractor{MinEmitLength: DefaultMinEmitLength, newID: uuid.NewString}
}

func (x *Extractor) id() string {
	if x.newID == nil {
		return uuid.NewString()
	}
	return x.newID()
}

func (x *Extractor) minEmit() int {
	if x.MinEmitLength <= 0 {
		return DefaultMinEmitLength
	}
	return x.MinEmitLength
}

// Extract consumes every safe block at the front of pending and returns the
// blocks in order plus the withheld remainder. Markers whose card is missing
// from cards are dropped. At equal positions a paragraph break is cut before
// a marker.
func (x *Extractor) Extract(pending string, cards CardSet) ([]ContentBlock, string) {
	var out []ContentBlock
	for pending != "" {
		if m := leadingMarkerRe.FindStringSubmatchIndex(pending); m != nil {
			if b, ok := x.markerBlock(pending, m, cards); ok {
				out = append(out, b)
			}
			pending = pending[m[1]:]
			continue
		}

		breakAt := strings.Index(pending, frameSeparator)
		markerAt := -1
		if loc := markerRe.FindStringIndex(pending); loc != nil {
			markerAt = loc[0]
		}

		cut, skip := -1, 0
		switch {
		case breakAt >= 0 && (markerAt < 0 || breakAt <= markerAt):
			cut, skip = breakAt, len(frameSeparator)
		case markerAt >= 0:
			cut = markerAt
		}
		if cut >= 0 {
			if text := strings.TrimSpace(pending[:cut]); text != "" {
				out = append(out, x.textBlock(text))
			}
			pending = pending[cut+skip:]
			continue
		}

		text := strings.TrimSpace(pending)
		if text == "" || len([]rune(text)) < x.minEmit() || hasIncompletePattern(text) {
			break
		}
		out = append(out, x.textBlock(text))
		pending = ""
	}
	return out, pending
}

// Flush extracts what it can and emits any remainder as a final text block.
func (x *Extractor) Flush(pending string, cards CardSet) []ContentBlock {
	out, rest := x.Extract(pending, cards)
	if text := strings.TrimSpace(rest); text != "" {
		out = append(out, x.textBlock(text))
	}
	return out
}

func (x *Extractor) textBlock(text string) ContentBlock {
	return ContentBlock{ID: x.id(), Type: BlockText, Content: text}
}

func (x *Extractor) markerBlock(s string, m []int, cards CardSet) (ContentBlock, bool) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return s[m[2*i]:m[2*i+1]]
	}
	if symbol := group(1); symbol != "" {
		return ContentBlock{
			ID:   x.id(),
			Type: BlockChart,
			Data: map[string]any{"symbol": strings.ToUpper(symbol), "timeRange": group(2)},
		}, true
	}
	return x.cardBlock(markerBlockTypes[group(3)], group(4), cards)
}

func (x *Extractor) cardBlock(typ BlockType, cardID string, cards CardSet) (ContentBlock, bool) {
	card, ok := cards.Lookup(cardID)
	if !ok {
		return ContentBlock{}, false
	}
	data := make(map[string]any, len(card.Data)+1)
	for k, v := range card.Data {
		data[k] = v
	}
	data["id"] = card.ID
	return ContentBlock{ID: x.id(), Type: typ, Data: data}, true
}

// hasIncompletePattern reports markdown that later bytes may still close:
// unbalanced brackets, a link target without its ")", an odd number of "**"
// or a trailing "[..." fragment.
func hasIncompletePattern(s string) bool {
	if strings.Count(s, "[") != strings.Count(s, "]") {
		return true
	}
	if i := strings.LastIndex(s, "]("); i >= 0 && !strings.Contains(s[i:], ")") {
		return true
	}
	if strings.Count(s, "**")%2 == 1 {
		return true
	}
	return partialTailRe.MatchString(s)
}
