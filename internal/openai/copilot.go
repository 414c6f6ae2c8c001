package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"catalyst/internal/chat"
	"catalyst/internal/finance"
	"catalyst/internal/pricetarget"
	"catalyst/internal/util"
)

// Emitter receives protocol events in order. An error aborts the response.
type Emitter func(chat.Event) error

// ChartSource supplies chart data for the cards attached to an answer.
type ChartSource interface {
	Data(ctx context.Context, symbol, window string) (finance.ChartData, error)
}

// Config configures the copilot.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int64
	HistoryLimit int
}

// Copilot answers chat requests by streaming an OpenAI completion as chat
// protocol events, with chart and price-target cards for the tickers in play.
type Copilot struct {
	cli     oa.Client
	cfg     Config
	charts  ChartSource
	targets finance.TargetSource
	log     *slog.Logger
}

const maxTickers = 3

const systemPrompt = `You are Catalyst, a concise stock-market copilot. Answer in short paragraphs separated by blank lines. Use only the market data provided in the context; say so when data is missing. When a chart helps, put a marker on its own line in the form [VIEW_CHART:SYMBOL:RANGE] where RANGE is one of 1D, 5D, 1M, 3M, 1Y. Never give personalised financial advice.`

// NewCopilot builds a copilot. charts and targets may be nil.
func NewCopilot(cfg Config, charts ChartSource, targets finance.TargetSource, log *slog.Logger, opts ...option.RequestOption) *Copilot {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if log == nil {
		log = util.Discard()
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &Copilot{
		cli:     oa.NewClient(reqOpts...),
		cfg:     cfg,
		charts:  charts,
		targets: targets,
		log:     log.With("component", "copilot"),
	}
}

var reCashtag = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)

// tickers merges the selected tickers with $CASHTAGS from the message,
// uppercased, deduplicated and capped.
func tickers(req chat.Request) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] || len(out) >= maxTickers {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range req.SelectedTickers {
		add(s)
	}
	for _, m := range reCashtag.FindAllStringSubmatch(req.Message, -1) {
		add(m[1])
	}
	return out
}

// Respond streams the answer to req through emit. It always ends with a done
// event on success, or an error event when the completion fails.
func (c *Copilot) Respond(ctx context.Context, req chat.Request, emit Emitter) error {
	if strings.TrimSpace(req.Message) == "" {
		return emit(chat.Event{Type: chat.EventError, Error: "empty message"})
	}
	if err := emit(chat.Event{Type: chat.EventThinking, Phase: "analyzing", Content: "Reading the question"}); err != nil {
		return err
	}

	syms := tickers(req)
	var cards []chat.DataCard
	var facts []string
	for _, sym := range syms {
		if err := emit(chat.Event{Type: chat.EventThinking, Phase: "fetching_data", Content: "Loading " + sym}); err != nil {
			return err
		}
		symCards, lines := c.cardsFor(ctx, sym)
		cards = append(cards, symCards...)
		facts = append(facts, lines...)
	}

	meta := map[string]any{"tickers": syms, "model": c.cfg.Model}
	if req.ConversationID != "" {
		meta["conversationId"] = req.ConversationID
	}
	if err := emit(chat.Event{Type: chat.EventMetadata, DataCards: cards, Metadata: meta}); err != nil {
		return err
	}
	for _, card := range cards {
		if card.Type == "chart" {
			if err := emit(chat.Event{Type: chat.EventChartBlock, CardID: card.ID}); err != nil {
				return err
			}
			break
		}
	}
	if err := emit(chat.Event{Type: chat.EventThinking, Phase: "generating", Content: "Writing the answer"}); err != nil {
		return err
	}

	if err := c.stream(ctx, c.messages(req, facts), emit); err != nil {
		c.log.Error("completion failed", "error", err)
		if errors.Is(err, errEmit) || ctx.Err() != nil {
			return err
		}
		if emitErr := emit(chat.Event{Type: chat.EventError, Error: "the copilot could not finish this answer"}); emitErr != nil {
			return emitErr
		}
		return err
	}
	return emit(chat.Event{Type: chat.EventDone})
}

var errEmit = errors.New("emit failed")

func (c *Copilot) stream(ctx context.Context, msgs []oa.ChatCompletionMessageParamUnion, emit Emitter) error {
	stream := c.cli.Chat.Completions.NewStreaming(ctx, oa.ChatCompletionNewParams{
		Model:     oa.ChatModel(c.cfg.Model),
		Messages:  msgs,
		MaxTokens: oa.Int(c.cfg.MaxTokens),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(chat.Event{Type: chat.EventTextDelta, Content: delta}); err != nil {
			return fmt.Errorf("%w: %w", errEmit, err)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("OpenAI stream error: %w", err)
	}
	return nil
}

func (c *Copilot) messages(req chat.Request, facts []string) []oa.ChatCompletionMessageParamUnion {
	msgs := []oa.ChatCompletionMessageParamUnion{oa.SystemMessage(systemPrompt)}
	msgs = append(msgs, sanitizeHistory(req.ConversationHistory, c.cfg.HistoryLimit)...)

	var b strings.Builder
	if req.Timezone != "" {
		fmt.Fprintf(&b, "User timezone: %s\n", req.Timezone)
	}
	if len(facts) > 0 {
		b.WriteString("Market data:\n")
		for _, l := range facts {
			b.WriteString("- " + l + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(req.Message)
	return append(msgs, oa.UserMessage(b.String()))
}

// cardsFor builds the chart and price-target cards for sym, plus the context
// lines describing them to the model. Failures only drop the card.
func (c *Copilot) cardsFor(ctx context.Context, sym string) ([]chat.DataCard, []string) {
	var cards []chat.DataCard
	var lines []string

	if c.charts != nil {
		data, err := c.charts.Data(ctx, sym, "1D")
		if err != nil {
			c.log.Warn("chart data unavailable", "symbol", sym, "error", err)
		} else if n := len(data.Points); n > 0 {
			last := data.Points[n-1].CloseValue()
			ref := data.Points[0].OpenValue()
			if data.PreviousClose != nil {
				ref = *data.PreviousClose
			}
			change := last - ref
			pct := 0.0
			if ref != 0 {
				pct = change / ref * 100
			}
			cards = append(cards, chat.DataCard{ID: "chart-" + sym, Type: "chart", Data: map[string]any{
				"symbol":        sym,
				"timeRange":     data.Range,
				"lastPrice":     last,
				"change":        change,
				"changePercent": pct,
			}})
			lines = append(lines, fmt.Sprintf("%s last %s, %+.2f%% on the day (%s range %s to %s)",
				sym, pricetarget.FormatTargetPrice(last), pct, data.Range,
				pricetarget.FormatTargetPrice(data.Bounds.MinPrice), pricetarget.FormatTargetPrice(data.Bounds.MaxPrice)))
		}
	}

	if c.targets != nil {
		targets, err := c.targets.PriceTargets(ctx, sym)
		if err != nil {
			c.log.Warn("price targets unavailable", "symbol", sym, "error", err)
		} else if stats := pricetarget.CalculateStats(pricetarget.Dedupe(targets)); stats != nil {
			cards = append(cards, chat.DataCard{ID: "targets-" + sym, Type: "price_targets", Data: map[string]any{
				"symbol":  sym,
				"average": stats.Average,
				"median":  stats.Median,
				"high":    stats.High,
				"low":     stats.Low,
				"count":   stats.Count,
			}})
			lines = append(lines, fmt.Sprintf("%s analyst targets (%d firms): avg %s, median %s, high %s, low %s",
				sym, stats.Count, pricetarget.FormatTargetPrice(stats.Average), pricetarget.FormatTargetPrice(stats.Median),
				pricetarget.FormatTargetPrice(stats.High), pricetarget.FormatTargetPrice(stats.Low)))
		}
	}
	return cards, lines
}
