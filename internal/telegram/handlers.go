package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"catalyst/internal/chat"
	"catalyst/internal/finance"
	"catalyst/internal/pricetarget"
	"catalyst/internal/util"
)

const windowGroup = `(?:\s+(1d|5d|1w|1m|3m|6m|1y|5y))?`

var (
	// /ask free text
	reAsk = regexp.MustCompile(`(?is)^/ask(?:@[\w_]+)?\s+(.+)$`)
	// /stock SYMBOL [window]
	reStock = regexp.MustCompile(`(?i)^/stock(?:@[\w_]+)?\s+([A-Za-z0-9\.^_=+-]+)` + windowGroup + `$`)
	// /stocks S1 S2 ... [window]
	reStocks = regexp.MustCompile(`(?i)^/stocks(?:@[\w_]+)?\s+([A-Za-z0-9\.^_=+\-\s]+?)` + windowGroup + `$`)
	// /stocks-index S1 S2 ... [window]
	reStocksIndex = regexp.MustCompile(`(?i)^/stocks-index(?:@[\w_]+)?\s+([A-Za-z0-9\.^_=+\-\s]+?)` + windowGroup + `$`)
	// /targets SYMBOL
	reTargets = regexp.MustCompile(`(?i)^/targets(?:@[\w_]+)?\s+([A-Za-z0-9\.^_=+-]+)$`)
	reHelp    = regexp.MustCompile(`^/(help|start)(?:@[\w_]+)?$`)
)

// maxMessageRunes is the Bot API text limit.
const maxMessageRunes = 4096

// Sender is the part of the Bot API the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Asker streams a copilot answer.
type Asker interface {
	Stream(ctx context.Context, req chat.Request, opts ...chat.Option) (*chat.Message, error)
}

// Charts renders chart images.
type Charts interface {
	Render(ctx context.Context, symbol, window string) ([]byte, error)
	RenderComparison(ctx context.Context, symbols []string, window string, mode finance.CompareMode) ([]byte, error)
}

type Deps struct {
	Copilot Asker
	Charts  Charts
	Targets finance.TargetSource
	Log     *slog.Logger
}

type Handlers struct {
	api Sender
	Deps
	log *slog.Logger
}

func NewHandlers(api Sender, d Deps) *Handlers {
	log := d.Log
	if log == nil {
		log = util.Discard()
	}
	return &Handlers{api: api, Deps: d, log: log}
}

func (h *Handlers) HandleMessage(ctx context.Context, m *tgbotapi.Message) {
	txt := strings.TrimSpace(m.Text)
	chatID := m.Chat.ID
	switch {
	case reHelp.MatchString(txt):
		h.handleHelp(chatID)

	case reAsk.MatchString(txt):
		g := reAsk.FindStringSubmatch(txt)
		h.handleAsk(ctx, chatID, strings.TrimSpace(g[1]))

	case reStock.MatchString(txt):
		g := reStock.FindStringSubmatch(txt)
		h.handleStock(ctx, chatID, strings.ToUpper(g[1]), g[2])

	case reStocksIndex.MatchString(txt):
		g := reStocksIndex.FindStringSubmatch(txt)
		syms := parseSymbols(g[1])
		if len(syms) < 2 {
			h.reply(chatID, "Please provide at least two symbols, e.g. /stocks-index SPY AAPL 1y")
			return
		}
		h.handleCompare(ctx, chatID, syms, g[2], finance.CompareIndexed)

	case reStocks.MatchString(txt):
		g := reStocks.FindStringSubmatch(txt)
		syms := parseSymbols(g[1])
		if len(syms) < 2 {
			h.reply(chatID, "Please provide at least two symbols, e.g. /stocks SPY AAPL 1w")
			return
		}
		h.handleCompare(ctx, chatID, syms, g[2], finance.ComparePrice)

	case reTargets.MatchString(txt):
		g := reTargets.FindStringSubmatch(txt)
		h.handleTargets(ctx, chatID, strings.ToUpper(g[1]))
	}
}

// parseSymbols splits on whitespace, upper-cases and dedupes.
func parseSymbols(field string) []string {
	seen := map[string]struct{}{}
	var syms []string
	for _, s := range strings.Fields(field) {
		su := strings.ToUpper(s)
		if _, ok := seen[su]; ok {
			continue
		}
		seen[su] = struct{}{}
		syms = append(syms, su)
	}
	return syms
}

func conversationID(chatID int64) string {
	return "tg-" + strconv.FormatInt(chatID, 10)
}

func (h *Handlers) handleAsk(ctx context.Context, chatID int64, question string) {
	if h.Copilot == nil {
		h.reply(chatID, "The copilot is not configured.")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	typing := func(chat.ThinkingStep) {
		_, _ = h.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}
	msg, err := h.Copilot.Stream(ctx, chat.Request{
		Message:        question,
		Timezone:       "America/New_York",
		ConversationID: conversationID(chatID),
	}, chat.WithHandler(chat.Handler{OnThinking: typing}))
	if msg != nil {
		h.sendBlocks(ctx, chatID, msg.Blocks)
	}
	if err != nil {
		h.log.Warn("ask failed", "chat_id", chatID, "error", err)
		h.reply(chatID, askFailure(err))
	}
}

func askFailure(err error) string {
	switch {
	case errors.Is(err, chat.ErrFirstByteTimeout):
		return "The copilot took too long to respond. Please try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The answer timed out."
	default:
		return "Ask failed: " + err.Error()
	}
}

// sendBlocks sends consecutive text blocks as one message and chart blocks
// as photos. Other block types are linked by their title when they have one.
func (h *Handlers) sendBlocks(ctx context.Context, chatID int64, blocks []chat.ContentBlock) {
	var text strings.Builder
	flush := func() {
		for _, part := range splitText(text.String(), maxMessageRunes) {
			h.reply(chatID, part)
		}
		text.Reset()
	}
	for _, b := range blocks {
		switch b.Type {
		case chat.BlockText:
			if text.Len() > 0 {
				text.WriteString("\n\n")
			}
			text.WriteString(b.Content)
		case chat.BlockChart:
			flush()
			sym, _ := b.Data["symbol"].(string)
			window, _ := b.Data["timeRange"].(string)
			if sym == "" {
				continue
			}
			h.handleStock(ctx, chatID, strings.ToUpper(sym), window)
		default:
			if title, _ := b.Data["title"].(string); title != "" {
				if text.Len() > 0 {
					text.WriteString("\n\n")
				}
				text.WriteString(title)
			}
		}
	}
	flush()
}

// splitText cuts s into pieces of at most limit runes, preferring paragraph
// and line breaks.
func splitText(s string, limit int) []string {
	s = strings.TrimSpace(s)
	var out []string
	for s != "" {
		r := []rune(s)
		if len(r) <= limit {
			out = append(out, s)
			break
		}
		head := string(r[:limit])
		cut := strings.LastIndex(head, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut <= 0 {
			cut = len(head)
		}
		out = append(out, strings.TrimSpace(head[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	return out
}

func (h *Handlers) handleStock(ctx context.Context, chatID int64, sym, window string) {
	w := finance.ResolveWindow(window)
	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	img, err := h.Charts.Render(ctx, sym, w.Name)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Couldn't fetch %s: %v", sym, err))
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: sym + "_" + w.Name + ".png", Bytes: img})
	photo.Caption = sym + " • " + w.Interval + " • " + w.Name
	h.send(photo)
}

func (h *Handlers) handleCompare(ctx context.Context, chatID int64, syms []string, window string, mode finance.CompareMode) {
	w := finance.ResolveWindow(window)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	img, err := h.Charts.RenderComparison(ctx, syms, w.Name, mode)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Couldn't fetch %s: %v", strings.Join(syms, ", "), err))
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: strings.Join(syms, "_") + "_" + string(mode) + ".png", Bytes: img})
	photo.Caption = compareCaption(syms, w, mode)
	h.send(photo)
}

func compareCaption(syms []string, w finance.Window, mode finance.CompareMode) string {
	label := "Multi"
	switch {
	case mode == finance.CompareIndexed:
		label = "Indexed"
	case mode == finance.ComparePercent || len(syms) > 2:
		label = "Multi %"
	}
	return label + ": " + strings.Join(syms, ", ") + " • " + w.Name
}

func (h *Handlers) handleTargets(ctx context.Context, chatID int64, sym string) {
	if h.Targets == nil {
		h.reply(chatID, "Price targets are not configured.")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	targets, err := h.Targets.PriceTargets(ctx, sym)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Couldn't load targets for %s: %v", sym, err))
		return
	}
	h.reply(chatID, formatTargets(sym, pricetarget.Dedupe(targets)))
}

// formatTargets renders the stats and the latest few targets of a symbol.
func formatTargets(sym string, targets []pricetarget.PriceTarget) string {
	stats := pricetarget.CalculateStats(targets)
	if stats == nil {
		return "No analyst price targets for " + sym + "."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s analyst targets (%d)\n", sym, stats.Count)
	fmt.Fprintf(&b, "Average: %s\n", pricetarget.FormatTargetPrice(stats.Average))
	fmt.Fprintf(&b, "Median: %s\n", pricetarget.FormatTargetPrice(stats.Median))
	fmt.Fprintf(&b, "Range: %s - %s\n", pricetarget.FormatTargetPrice(stats.Low), pricetarget.FormatTargetPrice(stats.High))
	n := min(len(targets), 5)
	if n > 0 {
		b.WriteString("\nLatest:\n")
	}
	for _, t := range targets[:n] {
		firm := t.AnalystFirm
		if firm == "" {
			firm = "Unknown"
		}
		fmt.Fprintf(&b, "- %s %s", firm, pricetarget.FormatTargetPrice(t.PriceTarget))
		if t.PublishedDate != "" {
			fmt.Fprintf(&b, " (%s)", t.PublishedDate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handlers) handleHelp(chatID int64) {
	help := "Commands\n\n" +
		"- /ask QUESTION - Ask the market copilot; mention tickers as $AAPL\n" +
		"- /stock SYMBOL [1d|5d|1m|3m|6m|1y|5y] - Price chart with analyst target lines\n" +
		"- /stocks S1 S2 ... [window] - Compare symbols; switches to % change when >2\n" +
		"- /stocks-index S1 S2 ... [window] - Index to base 100 at start for relative performance\n" +
		"- /targets SYMBOL - Analyst price target summary\n" +
		"\nIntraday windows use 5m bars. X-axis in Eastern Time."
	h.reply(chatID, help)
}

func (h *Handlers) reply(chatID int64, text string) {
	h.send(tgbotapi.NewMessage(chatID, text))
}

func (h *Handlers) send(c tgbotapi.Chattable) {
	if _, err := h.api.Send(c); err != nil {
		h.log.Warn("send failed", "error", err)
	}
}
