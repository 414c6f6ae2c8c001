package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalyst/internal/chat"
	"catalyst/internal/finance"
	"catalyst/internal/pricetarget"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) texts() []string {
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeSender) photos() []tgbotapi.PhotoConfig {
	var out []tgbotapi.PhotoConfig
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeCharts struct {
	rendered []string
	compared []finance.CompareMode
	err      error
}

func (f *fakeCharts) Render(_ context.Context, symbol, window string) ([]byte, error) {
	f.rendered = append(f.rendered, symbol+"|"+window)
	return []byte("png"), f.err
}

func (f *fakeCharts) RenderComparison(_ context.Context, _ []string, _ string, mode finance.CompareMode) ([]byte, error) {
	f.compared = append(f.compared, mode)
	return []byte("png"), f.err
}

type fakeAsker struct {
	msg *chat.Message
	err error
	got chat.Request
}

func (f *fakeAsker) Stream(_ context.Context, req chat.Request, opts ...chat.Option) (*chat.Message, error) {
	f.got = req
	return f.msg, f.err
}

type fakeTargets []pricetarget.PriceTarget

func (f fakeTargets) PriceTargets(context.Context, string) ([]pricetarget.PriceTarget, error) {
	return f, nil
}

func message(text string) *tgbotapi.Message {
	return &tgbotapi.Message{Text: text, Chat: &tgbotapi.Chat{ID: 42}}
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"SPY", "AAPL", "BRK.B"}, parseSymbols(" spy AAPL  aapl brk.b "))
	assert.Empty(t, parseSymbols("   "))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("  short  ", 10))
	assert.Equal(t, []string{"first para", "second"}, splitText("first para\n\nsecond", 14))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, splitText("abcdefghijk", 5))
	assert.Empty(t, splitText("   ", 5))
}

func TestFormatTargets(t *testing.T) {
	assert.Equal(t, "No analyst price targets for AAPL.", formatTargets("AAPL", nil))

	out := formatTargets("AAPL", []pricetarget.PriceTarget{
		{AnalystFirm: "Acme", PriceTarget: 130, PublishedDate: "2024-02-01"},
		{AnalystFirm: "Beta", PriceTarget: 90, PublishedDate: "2024-01-15"},
	})
	assert.Equal(t, "AAPL analyst targets (2)\n"+
		"Average: $110\n"+
		"Median: $110\n"+
		"Range: $90 - $130\n\n"+
		"Latest:\n"+
		"- Acme $130 (2024-02-01)\n"+
		"- Beta $90 (2024-01-15)", out)
}

func TestCompareCaption(t *testing.T) {
	w := finance.ResolveWindow("1y")
	assert.Equal(t, "Multi: SPY, QQQ • 1Y", compareCaption([]string{"SPY", "QQQ"}, w, finance.ComparePrice))
	assert.Equal(t, "Multi %: A, B, C • 1Y", compareCaption([]string{"A", "B", "C"}, w, finance.ComparePrice))
	assert.Equal(t, "Indexed: A, B • 1Y", compareCaption([]string{"A", "B"}, w, finance.CompareIndexed))
}

func TestHandleMessage_Routing(t *testing.T) {
	tests := []struct {
		text     string
		rendered []string
		compared []finance.CompareMode
		reply    string
	}{
		{text: "/stock aapl", rendered: []string{"AAPL|1D"}},
		{text: "/stock@catalyst_bot TSLA 1W", rendered: []string{"TSLA|5D"}},
		{text: "/stocks SPY QQQ 1y", compared: []finance.CompareMode{finance.ComparePrice}},
		{text: "/stocks-index SPY QQQ IWM", compared: []finance.CompareMode{finance.CompareIndexed}},
		{text: "/stocks SPY spy", reply: "at least two symbols"},
		{text: "/help", reply: "Commands"},
		{text: "hello there"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sender := &fakeSender{}
			charts := &fakeCharts{}
			h := NewHandlers(sender, Deps{Charts: charts})
			h.HandleMessage(context.Background(), message(tt.text))
			assert.Equal(t, tt.rendered, charts.rendered)
			assert.Equal(t, tt.compared, charts.compared)
			if tt.reply != "" {
				require.Len(t, sender.texts(), 1)
				assert.Contains(t, sender.texts()[0], tt.reply)
			}
		})
	}
}

func TestHandleMessage_StockCaptionAndFailure(t *testing.T) {
	sender := &fakeSender{}
	h := NewHandlers(sender, Deps{Charts: &fakeCharts{}})
	h.HandleMessage(context.Background(), message("/stock nvda 3m"))
	require.Len(t, sender.photos(), 1)
	assert.Equal(t, "NVDA • 1d • 3M", sender.photos()[0].Caption)

	sender = &fakeSender{}
	h = NewHandlers(sender, Deps{Charts: &fakeCharts{err: finance.ErrNoData}})
	h.HandleMessage(context.Background(), message("/stock ZZZZ"))
	require.Len(t, sender.texts(), 1)
	assert.Contains(t, sender.texts()[0], "Couldn't fetch ZZZZ")
}

func TestHandleAsk_SendsBlocks(t *testing.T) {
	asker := &fakeAsker{msg: &chat.Message{Blocks: []chat.ContentBlock{
		{Type: chat.BlockText, Content: "Apple rose 2%."},
		{Type: chat.BlockText, Content: "Services led."},
		{Type: chat.BlockChart, Data: map[string]any{"symbol": "aapl", "timeRange": "5D"}},
		{Type: chat.BlockArticle, Data: map[string]any{"title": "Apple earnings recap"}},
	}}}
	sender := &fakeSender{}
	charts := &fakeCharts{}
	h := NewHandlers(sender, Deps{Copilot: asker, Charts: charts})

	h.HandleMessage(context.Background(), message("/ask How did\n$AAPL do?"))

	assert.Equal(t, "How did\n$AAPL do?", asker.got.Message)
	assert.Equal(t, "tg-42", asker.got.ConversationID)
	assert.Equal(t, []string{"Apple rose 2%.\n\nServices led.", "Apple earnings recap"}, sender.texts())
	assert.Equal(t, []string{"AAPL|5D"}, charts.rendered)
	require.Len(t, sender.sent, 3)
	_, isPhoto := sender.sent[1].(tgbotapi.PhotoConfig)
	assert.True(t, isPhoto)
}

func TestHandleAsk_Failures(t *testing.T) {
	sender := &fakeSender{}
	h := NewHandlers(sender, Deps{Copilot: &fakeAsker{err: chat.ErrFirstByteTimeout}})
	h.HandleMessage(context.Background(), message("/ask anything"))
	require.Len(t, sender.texts(), 1)
	assert.Contains(t, sender.texts()[0], "took too long")

	sender = &fakeSender{}
	partial := &chat.Message{Blocks: []chat.ContentBlock{{Type: chat.BlockText, Content: "Partial answer"}}}
	h = NewHandlers(sender, Deps{Copilot: &fakeAsker{msg: partial, err: errors.New("stream failed")}})
	h.HandleMessage(context.Background(), message("/ask anything"))
	texts := sender.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Partial answer", texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "Ask failed"))

	sender = &fakeSender{}
	NewHandlers(sender, Deps{}).HandleMessage(context.Background(), message("/ask anything"))
	assert.Equal(t, []string{"The copilot is not configured."}, sender.texts())
}

func TestHandleTargets(t *testing.T) {
	sender := &fakeSender{}
	h := NewHandlers(sender, Deps{Targets: fakeTargets{
		{AnalystFirm: "Acme", PriceTarget: 120, PublishedDate: "2024-01-01"},
		{AnalystFirm: "acme", PriceTarget: 140, PublishedDate: "2024-03-01"},
	}})
	h.HandleMessage(context.Background(), message("/targets msft"))
	require.Len(t, sender.texts(), 1)
	assert.True(t, strings.HasPrefix(sender.texts()[0], "MSFT analyst targets (1)"))
	assert.Contains(t, sender.texts()[0], "Acme $140 (2024-03-01)")
}
