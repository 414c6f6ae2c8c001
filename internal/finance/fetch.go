package finance

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
	"time"

	"catalyst/internal/chartmath"
	"catalyst/internal/util"
)

var defaultYahooHosts = []string{"https://query1.finance.yahoo.com", "https://query2.finance.yahoo.com"}

// YahooFetcher reads the public Yahoo chart API, rotating hosts and falling
// back to the spark endpoint when the chart endpoint keeps failing.
type YahooFetcher struct {
	http     *http.Client
	hosts    []string
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewYahooFetcher builds a fetcher. hosts overrides the Yahoo base URLs and
// is mainly for tests.
func NewYahooFetcher(httpClient *http.Client, log *slog.Logger, hosts ...string) *YahooFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = util.Discard()
	}
	if len(hosts) == 0 {
		hosts = defaultYahooHosts
	}
	return &YahooFetcher{
		http:     httpClient,
		hosts:    hosts,
		attempts: 4,
		backoff:  200 * time.Millisecond,
		log:      log.With("component", "yahoo"),
	}
}

// FetchSeries implements Fetcher.
func (y *YahooFetcher) FetchSeries(ctx context.Context, symbol, interval, rangeParam string) (Series, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var yc yahooChartResp
	err := util.Retry(ctx, y.attempts, y.backoff, func() error {
		return y.eachHost(ctx, func(host string) error {
			u := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=%s&includePrePost=true&events=div,splits",
				host, url.PathEscape(symbol), rangeParam, interval)
			return y.getJSON(ctx, u, symbol, &yc)
		})
	})
	if err == nil {
		return chartToSeries(symbol, interval, yc)
	}
	if ctx.Err() != nil {
		return Series{}, ctx.Err()
	}
	y.log.Warn("chart endpoint failed, trying spark", "symbol", symbol, "error", err)

	var sp yahooSparkResp
	sparkErr := util.Retry(ctx, y.attempts, y.backoff, func() error {
		return y.eachHost(ctx, func(host string) error {
			u := fmt.Sprintf("%s/v7/finance/spark?symbols=%s&range=%s&interval=%s",
				host, url.QueryEscape(symbol), rangeParam, interval)
			return y.getJSON(ctx, u, symbol, &sp)
		})
	})
	if sparkErr != nil {
		return Series{}, fmt.Errorf("yahoo %s: %w", symbol, errors.Join(err, sparkErr))
	}
	return sparkToSeries(symbol, interval, sp)
}

// eachHost returns nil on the first host that succeeds, else the last error.
func (y *YahooFetcher) eachHost(ctx context.Context, fn func(host string) error) error {
	var lastErr error
	for _, host := range y.hosts {
		if err := ctx.Err(); err != nil {
			return util.Permanent(err)
		}
		if lastErr = fn(host); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (y *YahooFetcher) getJSON(ctx context.Context, u, symbol string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return util.Permanent(err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", fmt.Sprintf("https://finance.yahoo.com/quote/%s/chart", symbol))

	resp, err := y.http.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("read yahoo response: %w", readErr)
	}
	preview := string(body)
	if len(preview) > 120 {
		preview = preview[:120]
	}
	if resp.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(preview, "Edge: Too Many Requests") {
		return fmt.Errorf("yahoo %s returned 429: Edge: Too Many Requests", req.URL.Host)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yahoo %s returned %d: %s", req.URL.Host, resp.StatusCode, preview)
	}
	if strings.HasPrefix(preview, "<") || strings.HasPrefix(preview, "Edge:") {
		return fmt.Errorf("yahoo returned non-json body: %s", preview)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse yahoo json: %w; body: %s", err, preview)
	}
	return nil
}

func at(vals []*float64, i int) *float64 {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

func chartToSeries(symbol, interval string, yc yahooChartResp) (Series, error) {
	if len(yc.Chart.Result) == 0 || len(yc.Chart.Result[0].Indicators.Quote) == 0 {
		return Series{}, ErrNoData
	}
	r := yc.Chart.Result[0]
	q := r.Indicators.Quote[0]
	points := make([]chartmath.PricePoint, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		closePrice := at(q.Close, i)
		if closePrice == nil {
			continue
		}
		points = append(points, chartmath.PricePoint{
			Timestamp: ts * 1000,
			Value:     *closePrice,
			Open:      at(q.Open, i),
			High:      at(q.High, i),
			Low:       at(q.Low, i),
			Close:     closePrice,
			Volume:    at(q.Volume, i),
		})
	}
	points = cleanSeries(points)
	if len(points) == 0 {
		return Series{}, ErrNoData
	}
	prev := r.Meta.ChartPreviousClose
	if prev == nil {
		prev = r.Meta.PreviousClose
	}
	return Series{Symbol: symbol, Interval: interval, Points: points, PreviousClose: prev}, nil
}

func sparkToSeries(symbol, interval string, sp yahooSparkResp) (Series, error) {
	if len(sp.Spark.Result) == 0 || len(sp.Spark.Result[0].Response) == 0 {
		return Series{}, ErrNoData
	}
	r := sp.Spark.Result[0].Response[0]
	points := make([]chartmath.PricePoint, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if c := at(r.Close, i); c != nil {
			points = append(points, chartmath.PricePoint{Timestamp: ts * 1000, Value: *c})
		}
	}
	points = cleanSeries(points)
	if len(points) == 0 {
		return Series{}, ErrNoData
	}
	return Series{Symbol: symbol, Interval: interval, Points: points}, nil
}

// FallbackFetcher tries each fetcher in order and returns the first success.
type FallbackFetcher []Fetcher

// FetchSeries implements Fetcher.
func (f FallbackFetcher) FetchSeries(ctx context.Context, symbol, interval, rangeParam string) (Series, error) {
	var errs []error
	for _, fetcher := range f {
		s, err := fetcher.FetchSeries(ctx, symbol, interval, rangeParam)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return Series{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Series{}, ErrNoData
	}
	return Series{}, errors.Join(errs...)
}
