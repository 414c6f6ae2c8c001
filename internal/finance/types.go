package finance

import (
	"context"
	"errors"
	"time"

	"catalyst/internal/chartmath"
)

// ErrNoData is returned when a provider answers without usable points.
var ErrNoData = errors.New("finance: no data")

// Series is a fetched price series.
type Series struct {
	Symbol        string
	Interval      string
	Points        []chartmath.PricePoint
	PreviousClose *float64
}

// Fetcher loads a price series for symbol. interval is one of
// 1m|5m|15m|1h|1d and rangeParam a Yahoo-style range (1d, 5d, 1mo, ...).
type Fetcher interface {
	FetchSeries(ctx context.Context, symbol, interval, rangeParam string) (Series, error)
}

// yahooChartResp mirrors the Yahoo v8 chart response (trimmed to needed
// fields). Quote arrays hold null for missing samples.
type yahooChartResp struct {
	Chart struct {
		Result []struct {
			Meta struct {
				GmtOffset          int      `json:"gmtoffset"`
				Timezone           string   `json:"timezone"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
				PreviousClose      *float64 `json:"previousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"chart"`
}

// yahooSparkResp mirrors the Yahoo v7 spark fallback (trimmed).
type yahooSparkResp struct {
	Spark struct {
		Result []struct {
			Symbol   string `json:"symbol"`
			Response []struct {
				Timestamp []int64    `json:"timestamp"`
				Close     []*float64 `json:"close"`
			} `json:"response"`
		} `json:"result"`
		Error any `json:"error"`
	} `json:"spark"`
}

// chart image cache entry
type chartCacheEntry struct {
	createdAt time.Time
	image     []byte
}

// DefaultChartCacheTTL is how long a rendered chart is reused.
const DefaultChartCacheTTL = 60 * time.Second
