package chat

import (
	"encoding/json"
	"log/slog"
	"strings"

	"catalyst/internal/util"
)

const (
	frameSeparator = "\n\n"
	dataPrefix     = "data: "
	doneSentinel   = "[DONE]"
)

// FrameParser turns arbitrarily chunked server-push bytes into events. Any
// split of the same byte stream yields the same event sequence.
type FrameParser struct {
	buf strings.Builder
	log *slog.Logger
}

// NewFrameParser returns a parser that logs dropped frames at debug level.
func NewFrameParser(log *slog.Logger) *FrameParser {
	if log == nil {
		log = util.Discard()
	}
	return &FrameParser{log: log}
}

// Feed appends chunk and returns every event completed by it.
func (p *FrameParser) Feed(chunk string) []Event {
	p.buf.WriteString(chunk)
	pending := p.buf.String()
	if !strings.Contains(pending, frameSeparator) {
		return nil
	}

	var events []Event
	for {
		i := strings.Index(pending, frameSeparator)
		if i < 0 {
			break
		}
		if ev, ok := p.parseFrame(pending[:i]); ok {
			events = append(events, ev)
		}
		pending = pending[i+len(frameSeparator):]
	}
	p.buf.Reset()
	p.buf.WriteString(pending)
	return events
}

// Pending returns the unterminated tail.
func (p *FrameParser) Pending() string { return p.buf.String() }

func (p *FrameParser) parseFrame(frame string) (Event, bool) {
	frame = strings.TrimSpace(frame)
	if frame == "" || strings.HasPrefix(frame, ":") {
		return Event{}, false
	}
	for strings.HasPrefix(frame, dataPrefix) {
		frame = strings.TrimSpace(strings.TrimPrefix(frame, dataPrefix))
	}
	if frame == doneSentinel {
		return Event{Type: EventDone}, true
	}
	if !strings.HasPrefix(frame, "{") && !strings.HasPrefix(frame, "[") {
		p.log.Debug("dropping non-json frame", "frame", truncate(frame, 80))
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(frame), &ev); err != nil {
		p.log.Debug("dropping malformed frame", "error", err, "frame", truncate(frame, 80))
		return Event{}, false
	}
	if !ev.Type.Known() {
		return Event{}, false
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
