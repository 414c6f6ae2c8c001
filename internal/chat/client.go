package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"catalyst/internal/util"
)

// DefaultFirstByteTimeout bounds the wait for the first response byte.
const DefaultFirstByteTimeout = 30 * time.Second

var (
	// ErrFirstByteTimeout is returned when nothing arrives before the timeout.
	ErrFirstByteTimeout = errors.New("chat: no response before first-byte timeout")
	// ErrStreamClosed is returned when the stream ends without a done event.
	ErrStreamClosed = errors.New("chat: stream closed before done")
)

// Client streams copilot answers from a chat endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	log      *slog.Logger

	// FirstByteTimeout defaults to DefaultFirstByteTimeout when zero.
	FirstByteTimeout time.Duration
}

// NewClient builds a client for endpoint (the POST /chat URL). httpClient
// must not set an overall Timeout, which would cut long answers.
func NewClient(endpoint string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = util.Discard()
	}
	return &Client{endpoint: endpoint, http: httpClient, log: log.With("component", "chat")}
}

// Option configures one Stream call.
type Option func(*streamConfig)

type streamConfig struct {
	handler      Handler
	typewriter   bool
	charsPerTick int
	interval     time.Duration
	ticks        <-chan time.Time
}

// WithHandler observes blocks, thinking steps and deltas as they fold.
func WithHandler(h Handler) Option {
	return func(c *streamConfig) { c.handler = h }
}

// WithTypewriter reveals text charsPerTick runes per interval.
func WithTypewriter(charsPerTick int, interval time.Duration) Option {
	return func(c *streamConfig) {
		c.typewriter = true
		c.charsPerTick = charsPerTick
		c.interval = interval
	}
}

// WithTickSource drives the typewriter from ticks instead of a real ticker.
func WithTickSource(ticks <-chan time.Time) Option {
	return func(c *streamConfig) {
		c.typewriter = true
		c.ticks = ticks
	}
}

func (c *Client) firstByteTimeout() time.Duration {
	if c.FirstByteTimeout > 0 {
		return c.FirstByteTimeout
	}
	return DefaultFirstByteTimeout
}

type chunk struct {
	data []byte
	err  error
}

// Stream POSTs req and folds the response until done. On cancellation or a
// transport failure the returned message holds what was folded so far and
// is not finalized.
func (c *Client) Stream(ctx context.Context, req Request, opts ...Option) (*Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.firstByteTimeout(), func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if timedOut.Load() {
			return nil, ErrFirstByteTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("chat: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("chat: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}

	chunks := make(chan chunk)
	go readBody(ctx, resp.Body, chunks, watchdog)

	return c.fold(ctx, chunks, &timedOut, opts)
}

func readBody(ctx context.Context, body io.Reader, out chan<- chunk, watchdog *time.Timer) {
	defer close(out)
	buf := make([]byte, 4096)
	first := true
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if first {
				first = false
				watchdog.Stop()
			}
			select {
			case out <- chunk{data: append([]byte(nil), buf[:n]...)}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case out <- chunk{err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// fold is the single loop that owns the accumulator: chunks and typewriter
// ticks are serialized here.
func (c *Client) fold(ctx context.Context, chunks <-chan chunk, timedOut *atomic.Bool, opts []Option) (*Message, error) {
	var cfg streamConfig
	for _, o := range opts {
		o(&cfg)
	}

	acc := NewAccumulator(cfg.handler)
	parser := NewFrameParser(c.log)

	ticks := cfg.ticks
	if cfg.typewriter {
		acc.AttachTypewriter(cfg.charsPerTick)
		if ticks == nil {
			interval := cfg.interval
			if interval <= 0 {
				interval = DefaultTickInterval
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			ticks = ticker.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timedOut.Load() {
				return acc.Snapshot(), ErrFirstByteTimeout
			}
			return acc.Snapshot(), ctx.Err()
		case <-ticks:
			acc.Tick()
		case ch, ok := <-chunks:
			if !ok {
				if timedOut.Load() {
					return acc.Snapshot(), ErrFirstByteTimeout
				}
				if err := ctx.Err(); err != nil {
					return acc.Snapshot(), err
				}
				return acc.Snapshot(), ErrStreamClosed
			}
			if ch.err != nil {
				if timedOut.Load() {
					return acc.Snapshot(), ErrFirstByteTimeout
				}
				if err := ctx.Err(); err != nil {
					return acc.Snapshot(), err
				}
				return acc.Snapshot(), fmt.Errorf("chat: read stream: %w", ch.err)
			}
			for _, ev := range parser.Feed(string(ch.data)) {
				acc.Apply(ev)
				if acc.Failed() {
					return acc.Snapshot(), acc.Err()
				}
				if acc.Done() {
					return acc.Message(), nil
				}
			}
		}
	}
}
