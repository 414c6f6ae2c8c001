package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStreamFailed wraps an error event sent by the server.
var ErrStreamFailed = errors.New("chat: stream failed")

// Handler observes progress while a stream is folded. Any field may be nil.
type Handler struct {
	OnBlock    func(ContentBlock)
	OnThinking func(ThinkingStep)
	OnDelta    func(string)
}

// Accumulator folds stream events into the state of one assistant message.
// It is driven by a single goroutine.
type Accumulator struct {
	handler    Handler
	extractor  *Extractor
	typewriter *Typewriter
	now        func() time.Time

	content       strings.Builder
	pending       string
	blocks        []ContentBlock
	cards         []DataCard
	cardSet       CardSet
	metadata      map[string]any
	thinking      []ThinkingStep
	thinkingStart time.Time

	done    bool
	failed  bool
	failure string
	message *Message
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator(h Handler) *Accumulator {
	return &Accumulator{
		handler:   h,
		extractor: NewExtractor(),
		now:       time.Now,
		cardSet:   CardSet{},
	}
}

// AttachTypewriter routes text deltas through a typewriter; pending text then
// only grows on Tick.
func (a *Accumulator) AttachTypewriter(charsPerTick int) *Typewriter {
	a.typewriter = NewTypewriter(charsPerTick, a.appendPending)
	return a.typewriter
}

// Tick advances the typewriter if one is attached.
func (a *Accumulator) Tick() {
	if a.typewriter != nil && !a.failed {
		a.typewriter.Tick()
	}
}

// Apply folds one event. Events after done or error are ignored.
func (a *Accumulator) Apply(ev Event) {
	if a.done || a.failed {
		return
	}
	switch ev.Type {
	case EventMetadata:
		a.cards = append([]DataCard(nil), ev.DataCards...)
		a.cardSet = NewCardSet(ev.DataCards)
		if ev.Metadata != nil {
			a.metadata = ev.Metadata
		}
	case EventThinking:
		step := ThinkingStep{Phase: ev.Phase, Content: ev.Content, Timestamp: a.now()}
		if a.thinkingStart.IsZero() {
			a.thinkingStart = step.Timestamp
		}
		a.thinking = append(a.thinking, step)
		if a.handler.OnThinking != nil {
			a.handler.OnThinking(step)
		}
	case EventTextDelta, EventContent:
		if ev.Content == "" {
			return
		}
		a.content.WriteString(ev.Content)
		if a.handler.OnDelta != nil {
			a.handler.OnDelta(ev.Content)
		}
		if a.typewriter != nil {
			a.typewriter.Push(ev.Content)
			return
		}
		a.appendPending(ev.Content)
	case EventChartBlock, EventArticleBlock, EventImageBlock, EventEventBlock:
		b, ok := a.cardEventBlock(ev)
		if !ok {
			return
		}
		// withheld text stays pending; only done forces it out
		a.emit(b)
	case EventDone:
		a.flushPending()
		a.finalize()
	case EventError:
		a.failed = true
		a.failure = firstNonEmpty(ev.Error, ev.Message, ev.Content, "unknown error")
	}
}

func (a *Accumulator) cardEventBlock(ev Event) (ContentBlock, bool) {
	var typ BlockType
	switch ev.Type {
	case EventChartBlock:
		typ = BlockChart
	case EventArticleBlock:
		typ = BlockArticle
	case EventImageBlock:
		typ = BlockImage
	default:
		typ = BlockEvent
	}
	return a.extractor.cardBlock(typ, ev.CardID, a.cardSet)
}

func (a *Accumulator) appendPending(s string) {
	a.pending += s
	blocks, rest := a.extractor.Extract(a.pending, a.cardSet)
	a.pending = rest
	for _, b := range blocks {
		a.emit(b)
	}
}

func (a *Accumulator) flushPending() {
	if a.typewriter != nil {
		a.typewriter.Drain()
	}
	blocks := a.extractor.Flush(a.pending, a.cardSet)
	a.pending = ""
	for _, b := range blocks {
		a.emit(b)
	}
}

func (a *Accumulator) emit(b ContentBlock) {
	a.blocks = append(a.blocks, b)
	if a.handler.OnBlock != nil {
		a.handler.OnBlock(b)
	}
}

func (a *Accumulator) finalize() {
	a.done = true
	msg := a.Snapshot()
	if !a.thinkingStart.IsZero() {
		msg.ThinkingDuration = a.now().Sub(a.thinkingStart)
	}
	a.message = msg
}

// Snapshot copies the state folded so far without finalizing it.
func (a *Accumulator) Snapshot() *Message {
	return &Message{
		Role:      "assistant",
		Content:   a.content.String(),
		Blocks:    append([]ContentBlock(nil), a.blocks...),
		DataCards: append([]DataCard(nil), a.cards...),
		Thinking:  append([]ThinkingStep(nil), a.thinking...),
		Metadata:  a.metadata,
	}
}

// Done reports whether a done event was folded.
func (a *Accumulator) Done() bool { return a.done }

// Failed reports whether an error event was folded.
func (a *Accumulator) Failed() bool { return a.failed }

// Err returns ErrStreamFailed wrapped with the server message once failed.
func (a *Accumulator) Err() error {
	if !a.failed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStreamFailed, a.failure)
}

// Message returns the finalized message, or nil before done.
func (a *Accumulator) Message() *Message { return a.message }

// Blocks returns the blocks emitted so far.
func (a *Accumulator) Blocks() []ContentBlock { return append([]ContentBlock(nil), a.blocks...) }

// Content returns the raw concatenated text deltas.
func (a *Accumulator) Content() string { return a.content.String() }

// Pending returns text received but not yet emitted as a block.
func (a *Accumulator) Pending() string { return a.pending }

// Cards returns the current card set.
func (a *Accumulator) Cards() CardSet { return a.cardSet }

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
