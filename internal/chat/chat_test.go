package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = ": keep-alive\n\n" +
	"data: {\"type\":\"thinking\",\"phase\":\"analyzing\",\"content\":\"Looking at AAPL\"}\n\n" +
	"data: {\"type\":\"metadata\",\"dataCards\":[{\"id\":\"art-1\",\"type\":\"article\",\"data\":{\"title\":\"Earnings beat\"}}]}\n\n" +
	"data: data: {\"type\":\"text_delta\",\"content\":\"Apple closed higher, **up 2%** today.\"}\n\n" +
	"data: not json\n\n" +
	"data: {\"type\":\"mystery\"}\n\n" +
	"data: {\"type\":\"text_delta\",\"content\":\"\\n\\n[VIEW_ARTICLE:art-1]\\n\"}\n\n" +
	"data: {\"type\":\"done\"}\n\n"

func feedAll(p *FrameParser, chunks []string) []Event {
	var out []Event
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	return out
}

func TestFrameParser_SplitFrame(t *testing.T) {
	p := NewFrameParser(nil)
	assert.Empty(t, p.Feed("data: {\"type\":\"text_del"))
	events := p.Feed("ta\",\"content\":\"Hi\"}\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, Event{Type: EventTextDelta, Content: "Hi"}, events[0])
	assert.Empty(t, p.Pending())
}

func TestFrameParser_SplitInvariance(t *testing.T) {
	want := feedAll(NewFrameParser(nil), []string{sampleStream})
	require.Len(t, want, 5)
	assert.Equal(t, EventThinking, want[0].Type)
	assert.Equal(t, EventMetadata, want[1].Type)
	assert.Equal(t, EventTextDelta, want[2].Type)
	assert.Equal(t, EventDone, want[4].Type)

	for i := 1; i < len(sampleStream); i++ {
		got := feedAll(NewFrameParser(nil), []string{sampleStream[:i], sampleStream[i:]})
		require.Equal(t, want, got, "split at %d", i)
	}

	var bytewise []string
	for i := 0; i < len(sampleStream); i++ {
		bytewise = append(bytewise, sampleStream[i:i+1])
	}
	assert.Equal(t, want, feedAll(NewFrameParser(nil), bytewise))
}

func TestFrameParser_DoneSentinelAndDrops(t *testing.T) {
	p := NewFrameParser(nil)
	events := p.Feed("\n\n:comment\n\ndata: [DONE]\n\ndata: {bad json}\n\ndata: [1,2]\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Type)
}

func newTestExtractor() *Extractor {
	n := 0
	return &Extractor{MinEmitLength: DefaultMinEmitLength, newID: func() string {
		n++
		return "b" + strings.Repeat("x", n)
	}}
}

func TestExtractor_ChartMarkerThenText(t *testing.T) {
	x := newTestExtractor()
	blocks, rest := x.Extract("[VIEW_CHART:AAPL:1D] some text", nil)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockChart, blocks[0].Type)
	assert.Equal(t, map[string]any{"symbol": "AAPL", "timeRange": "1D"}, blocks[0].Data)
	assert.Equal(t, "some text", rest)

	blocks, rest = x.Extract(rest+"\n\n", nil)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "some text", blocks[0].Content)
	assert.Empty(t, rest)
}

func TestExtractor_TextBeforeMarker(t *testing.T) {
	x := newTestExtractor()
	blocks, rest := x.Extract("Here is the chart [VIEW_CHART:MSFT:5D] and more", nil)
	require.Len(t, blocks, 2)
	assert.Equal(t, "Here is the chart", blocks[0].Content)
	assert.Equal(t, BlockChart, blocks[1].Type)
	assert.Equal(t, "and more", rest)
}

func TestExtractor_ParagraphBreakBeforeMarker(t *testing.T) {
	x := newTestExtractor()
	blocks, rest := x.Extract("First.\n\n[VIEW_CHART:TSLA:1M]\nSecond paragraph is long enough.", nil)
	require.Len(t, blocks, 3)
	assert.Equal(t, "First.", blocks[0].Content)
	assert.Equal(t, BlockChart, blocks[1].Type)
	assert.Equal(t, "Second paragraph is long enough.", blocks[2].Content)
	assert.Empty(t, rest)
}

func TestExtractor_CardMarkers(t *testing.T) {
	cards := NewCardSet([]DataCard{
		{ID: "img-1", Type: "image", Data: map[string]any{"url": "https://example.com/a.png"}},
		{ID: "evt-9", Type: "event", Data: map[string]any{"title": "Earnings"}},
	})
	x := newTestExtractor()
	blocks, _ := x.Extract("[IMAGE_CARD:img-1][EVENT_CARD:evt-9][VIEW_ARTICLE:missing]", cards)
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockImage, blocks[0].Type)
	assert.Equal(t, "https://example.com/a.png", blocks[0].Data["url"])
	assert.Equal(t, BlockEvent, blocks[1].Type)
	assert.Equal(t, "evt-9", blocks[1].Data["id"])
}

func TestExtractor_WithholdsIncomplete(t *testing.T) {
	x := newTestExtractor()
	for _, s := range []string{
		"short",
		"This has an open **bold without close",
		"Read the [full story](https://exa",
		"Check the chart right here [VIEW_CH",
		"Unbalanced bracket [ that is long enough",
	} {
		blocks, rest := x.Extract(s, nil)
		assert.Empty(t, blocks, s)
		assert.Equal(t, s, rest)
	}

	blocks, rest := x.Extract("A complete sentence with **bold** text.", nil)
	require.Len(t, blocks, 1)
	assert.Empty(t, rest)
}

func TestExtractor_Flush(t *testing.T) {
	x := newTestExtractor()
	blocks := x.Flush("tail", nil)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tail", blocks[0].Content)
	assert.Empty(t, x.Flush("   ", nil))
}

func newTestAccumulator(h Handler) (*Accumulator, *time.Time) {
	now := time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC)
	a := NewAccumulator(h)
	a.extractor = newTestExtractor()
	a.now = func() time.Time { return now }
	return a, &now
}

func TestAccumulator_FullMessage(t *testing.T) {
	var seen []BlockType
	a, now := newTestAccumulator(Handler{OnBlock: func(b ContentBlock) { seen = append(seen, b.Type) }})

	a.Apply(Event{Type: EventThinking, Phase: "analyzing", Content: "Checking AAPL"})
	*now = now.Add(1500 * time.Millisecond)
	a.Apply(Event{Type: EventMetadata, DataCards: []DataCard{{ID: "chart-AAPL", Type: "chart", Data: map[string]any{"symbol": "AAPL", "timeRange": "1D"}}}})
	a.Apply(Event{Type: EventTextDelta, Content: "Apple is trading higher this morning."})
	a.Apply(Event{Type: EventChartBlock, CardID: "chart-AAPL"})
	a.Apply(Event{Type: EventChartBlock, CardID: "unknown"})
	a.Apply(Event{Type: EventContent, Content: " Volume is light."})
	assert.Equal(t, "Volume is light.", strings.TrimSpace(a.Pending()))
	*now = now.Add(500 * time.Millisecond)
	a.Apply(Event{Type: EventDone})

	require.True(t, a.Done())
	msg := a.Message()
	require.NotNil(t, msg)
	assert.Equal(t, "Apple is trading higher this morning. Volume is light.", msg.Content)
	assert.Equal(t, []BlockType{BlockText, BlockChart, BlockText}, seen)
	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, "Volume is light.", msg.Blocks[2].Content)
	assert.Equal(t, 2*time.Second, msg.ThinkingDuration)
	assert.Len(t, msg.DataCards, 1)
	require.Len(t, msg.Thinking, 1)

	a.Apply(Event{Type: EventTextDelta, Content: "ignored"})
	assert.Len(t, a.Blocks(), 3)
}

func TestAccumulator_CardEventKeepsIncompleteLinkPending(t *testing.T) {
	a, _ := newTestAccumulator(Handler{})
	a.Apply(Event{Type: EventMetadata, DataCards: []DataCard{{ID: "c1", Type: "chart", Data: map[string]any{"symbol": "AAPL"}}}})
	a.Apply(Event{Type: EventTextDelta, Content: "Read the [full story](https://exa"})
	a.Apply(Event{Type: EventChartBlock, CardID: "c1"})
	assert.Equal(t, "Read the [full story](https://exa", a.Pending())
	a.Apply(Event{Type: EventTextDelta, Content: "mple.com) for details on the quarter."})
	a.Apply(Event{Type: EventDone})

	blocks := a.Message().Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockChart, blocks[0].Type)
	assert.Equal(t, BlockText, blocks[1].Type)
	assert.Equal(t, "Read the [full story](https://example.com) for details on the quarter.", blocks[1].Content)
}

func TestAccumulator_MetadataReplacesCards(t *testing.T) {
	a, _ := newTestAccumulator(Handler{})
	a.Apply(Event{Type: EventMetadata, DataCards: []DataCard{{ID: "a"}}})
	a.Apply(Event{Type: EventMetadata, DataCards: []DataCard{{ID: "b"}}})
	_, hasA := a.Cards().Lookup("a")
	_, hasB := a.Cards().Lookup("b")
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestAccumulator_ErrorIgnoresLaterEvents(t *testing.T) {
	a, _ := newTestAccumulator(Handler{})
	a.Apply(Event{Type: EventTextDelta, Content: "partial"})
	a.Apply(Event{Type: EventError, Error: "model overloaded"})
	a.Apply(Event{Type: EventTextDelta, Content: " more"})
	a.Apply(Event{Type: EventDone})

	assert.True(t, a.Failed())
	assert.False(t, a.Done())
	assert.ErrorIs(t, a.Err(), ErrStreamFailed)
	assert.Contains(t, a.Err().Error(), "model overloaded")
	assert.Equal(t, "partial", a.Content())
	assert.Nil(t, a.Message())
}

func TestTypewriter_PreservesOrder(t *testing.T) {
	var out strings.Builder
	tw := NewTypewriter(2, func(s string) { out.WriteString(s) })
	tw.Push("héllo")
	tw.Push(" wörld")

	assert.Equal(t, 2, tw.Tick())
	assert.Equal(t, "hé", out.String())
	for tw.Buffered() > 0 {
		tw.Tick()
	}
	assert.Equal(t, "héllo wörld", out.String())
	assert.Equal(t, 0, tw.Tick())
}

func TestAccumulator_TypewriterFeedsPending(t *testing.T) {
	a, _ := newTestAccumulator(Handler{})
	tw := a.AttachTypewriter(5)
	a.Apply(Event{Type: EventTextDelta, Content: "The quick brown fox jumps over the lazy dog.\n\nNext"})
	assert.Empty(t, a.Pending())
	assert.Empty(t, a.Blocks())

	for i := 0; i < 4; i++ {
		a.Tick()
	}
	assert.Empty(t, a.Blocks())
	assert.Equal(t, "The quick brown fox ", a.Pending())

	a.Tick()
	require.Len(t, a.Blocks(), 1)
	assert.Equal(t, "The quick brown fox jumps", a.Blocks()[0].Content)

	for tw.Buffered() > 0 {
		a.Tick()
	}
	a.Apply(Event{Type: EventDone})

	var contents []string
	for _, b := range a.Message().Blocks {
		contents = append(contents, b.Content)
	}
	assert.Equal(t, []string{"The quick brown fox jumps", "over the lazy dog.", "Next"}, contents)
}
