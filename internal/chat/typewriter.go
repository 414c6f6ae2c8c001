package chat

import "time"

const (
	// DefaultCharsPerTick is how many runes one tick reveals.
	DefaultCharsPerTick = 3
	// DefaultTickInterval paces ticks at roughly display refresh rate.
	DefaultTickInterval = 16 * time.Millisecond
)

// Typewriter smooths bursty text deltas into a steady reveal. Received text
// is buffered and each Tick moves at most CharsPerTick runes to the sink in
// arrival order. It is not safe for concurrent use; the stream loop owns it.
type Typewriter struct {
	CharsPerTick int

	inbound []rune
	sink    func(string)
}

// NewTypewriter returns a typewriter that releases text into sink.
func NewTypewriter(charsPerTick int, sink func(string)) *Typewriter {
	if charsPerTick <= 0 {
		charsPerTick = DefaultCharsPerTick
	}
	return &Typewriter{CharsPerTick: charsPerTick, sink: sink}
}

// Push buffers s.
func (t *Typewriter) Push(s string) {
	t.inbound = append(t.inbound, []rune(s)...)
}

// Tick releases the next slice of buffered text and returns how many runes
// were released.
func (t *Typewriter) Tick() int {
	n := min(t.CharsPerTick, len(t.inbound))
	if n == 0 {
		return 0
	}
	chunk := string(t.inbound[:n])
	t.inbound = t.inbound[n:]
	t.sink(chunk)
	return n
}

// Drain releases everything still buffered.
func (t *Typewriter) Drain() {
	if len(t.inbound) == 0 {
		return
	}
	chunk := string(t.inbound)
	t.inbound = nil
	t.sink(chunk)
}

// Buffered returns the number of runes not yet released.
func (t *Typewriter) Buffered() int { return len(t.inbound) }
