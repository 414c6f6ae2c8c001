package finance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"catalyst/internal/chartmath"
	"catalyst/internal/util"
)

// AlpacaFetcher reads bars from the Alpaca market-data API.
type AlpacaFetcher struct {
	client *marketdata.Client
	feed   string
	now    func() time.Time
	log    *slog.Logger
}

// NewAlpacaFetcher creates a fetcher. dataURL and feed are optional; the
// default feed is "iex", which works on free accounts.
func NewAlpacaFetcher(apiKey, apiSecret, dataURL, feed string, log *slog.Logger) *AlpacaFetcher {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}
	if log == nil {
		log = util.Discard()
	}
	return &AlpacaFetcher{
		client: marketdata.NewClient(opts),
		feed:   feed,
		now:    time.Now,
		log:    log.With("component", "alpaca"),
	}
}

func alpacaTimeFrame(interval string) marketdata.TimeFrame {
	switch interval {
	case "1m":
		return marketdata.OneMin
	case "5m":
		return marketdata.NewTimeFrame(5, marketdata.Min)
	case "15m":
		return marketdata.NewTimeFrame(15, marketdata.Min)
	case "1h":
		return marketdata.OneHour
	default:
		return marketdata.OneDay
	}
}

// alpacaLookback converts a Yahoo-style range to a start offset. "1d" looks
// back far enough to cover a weekend; the result is trimmed to the last
// trading day afterwards.
func alpacaLookback(rangeParam string) time.Duration {
	day := 24 * time.Hour
	switch rangeParam {
	case "1d":
		return 4 * day
	case "5d":
		return 8 * day
	case "1mo":
		return 31 * day
	case "3mo":
		return 92 * day
	case "6mo":
		return 183 * day
	case "1y":
		return 366 * day
	case "2y":
		return 731 * day
	case "5y":
		return 5*365*day + 2*day
	default:
		return 31 * day
	}
}

// FetchSeries implements Fetcher.
func (a *AlpacaFetcher) FetchSeries(ctx context.Context, symbol, interval, rangeParam string) (Series, error) {
	if err := ctx.Err(); err != nil {
		return Series{}, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	end := a.now()
	bars, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: alpacaTimeFrame(interval),
		Start:     end.Add(-alpacaLookback(rangeParam)),
		End:       end,
		Feed:      marketdata.Feed(a.feed),
	})
	if err != nil {
		return Series{}, fmt.Errorf("alpaca GetBars %s: %w", symbol, err)
	}

	points := make([]chartmath.PricePoint, 0, len(bars))
	for _, b := range bars {
		points = append(points, chartmath.PricePoint{
			Timestamp: b.Timestamp.UnixMilli(),
			Value:     b.Close,
			Open:      chartmath.Float(b.Open),
			High:      chartmath.Float(b.High),
			Low:       chartmath.Float(b.Low),
			Close:     chartmath.Float(b.Close),
			Volume:    chartmath.Float(float64(b.Volume)),
		})
	}
	var prev *float64
	if rangeParam == "1d" {
		points, prev = lastTradingDay(points)
	}
	points = cleanSeries(points)
	if len(points) == 0 {
		return Series{}, ErrNoData
	}
	a.log.Debug("fetched bars", "symbol", symbol, "interval", interval, "range", rangeParam, "points", len(points))
	return Series{Symbol: symbol, Interval: interval, Points: points, PreviousClose: prev}, nil
}

// lastTradingDay keeps the points on the last Eastern calendar date and
// returns the close just before it, if any.
func lastTradingDay(points []chartmath.PricePoint) ([]chartmath.PricePoint, *float64) {
	if len(points) == 0 {
		return points, nil
	}
	et := chartmath.Eastern()
	dateOf := func(p chartmath.PricePoint) string {
		return time.UnixMilli(p.Timestamp).In(et).Format("2006-01-02")
	}
	last := dateOf(points[len(points)-1])
	i := len(points) - 1
	for i > 0 && dateOf(points[i-1]) == last {
		i--
	}
	if i == 0 {
		return points, nil
	}
	prev := points[i-1].CloseValue()
	return points[i:], &prev
}
