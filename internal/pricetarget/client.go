package pricetarget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"catalyst/internal/util"
)

// DefaultCooldown is how long the backend is skipped after a failure.
const DefaultCooldown = 60 * time.Second

// ErrBackendUnavailable is returned without a request while the gate is
// cooling down.
var ErrBackendUnavailable = errors.New("pricetarget: backend unavailable")

// Availability remembers the last backend failure. The zero value is open.
type Availability struct {
	LastFailure time.Time
	Cooldown    time.Duration
}

// IsCoolingDown reports whether now is within Cooldown of the last failure.
func (a Availability) IsCoolingDown(now time.Time) bool {
	if a.LastFailure.IsZero() {
		return false
	}
	cooldown := a.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return now.Sub(a.LastFailure) < cooldown
}

// MarkFailure records a failure at now.
func (a *Availability) MarkFailure(now time.Time) { a.LastFailure = now }

// MarkSuccess reopens the gate.
func (a *Availability) MarkSuccess() { a.LastFailure = time.Time{} }

// Response is the body of GET /api/price-targets/{symbol}.
type Response struct {
	Symbol  string        `json:"symbol"`
	Targets []PriceTarget `json:"targets"`
	Stats   *Stats        `json:"stats,omitempty"`
}

// Client fetches price targets and stops calling the backend for a cooldown
// period after a network or server failure. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	gate Availability
	// probing is set while the one request allowed after a cooldown is out.
	probing bool
}

// NewClient builds a client against baseURL. httpClient and log may be nil.
func NewClient(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = util.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With("component", "pricetarget"),
		now:     time.Now,
		gate:    Availability{Cooldown: DefaultCooldown},
	}
}

// Availability returns a copy of the gate state.
func (c *Client) Availability() Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// Fetch returns the deduplicated targets for symbol. A 404 is an empty
// result and does not trip the gate. After a failure only one request at a
// time reaches the backend until it succeeds.
func (c *Client) Fetch(ctx context.Context, symbol string) ([]PriceTarget, error) {
	c.mu.Lock()
	recovering := !c.gate.LastFailure.IsZero()
	if c.gate.IsCoolingDown(c.now()) || (recovering && c.probing) {
		c.mu.Unlock()
		return nil, ErrBackendUnavailable
	}
	if recovering {
		c.probing = true
	}
	c.mu.Unlock()

	targets, err := c.fetch(ctx, symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if recovering {
		c.probing = false
	}
	switch {
	case err == nil:
		c.gate.MarkSuccess()
		return Dedupe(targets), nil
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		c.gate.MarkFailure(c.now())
		c.log.Warn("price target backend failed, cooling down", "symbol", symbol, "cooldown", c.gate.Cooldown, "error", err)
		return nil, err
	}
}

func (c *Client) fetch(ctx context.Context, symbol string) ([]PriceTarget, error) {
	u := c.baseURL + "/api/price-targets/" + url.PathEscape(strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricetarget: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("pricetarget: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("pricetarget: decode: %w", err)
	}
	return body.Targets, nil
}

// PriceTargets is Fetch under the name chart and copilot sources expect.
func (c *Client) PriceTargets(ctx context.Context, symbol string) ([]PriceTarget, error) {
	return c.Fetch(ctx, symbol)
}
