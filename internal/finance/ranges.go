package finance

import (
	"strings"
	"time"
)

// Window is a resolved chart time range: what to fetch and how to bucket it.
type Window struct {
	Name     string
	Interval string
	Range    string
	// Bucket is the candle width; zero keeps raw points.
	Bucket time.Duration
	// LabelFormat formats X axis labels in US/Eastern.
	LabelFormat string
	// Split is the number of X axis labels go-charts should aim for.
	Split int
}

var windows = map[string]Window{
	"1D": {Name: "1D", Interval: "5m", Range: "1d", Bucket: 5 * time.Minute, LabelFormat: "15:04", Split: 8},
	"5D": {Name: "5D", Interval: "5m", Range: "5d", Bucket: 5 * time.Minute, LabelFormat: "Jan 02 15:04", Split: 7},
	"1M": {Name: "1M", Interval: "1h", Range: "1mo", Bucket: time.Hour, LabelFormat: "Jan 02 15:00", Split: 10},
	"3M": {Name: "3M", Interval: "1d", Range: "3mo", LabelFormat: "2006-01-02", Split: 10},
	"6M": {Name: "6M", Interval: "1d", Range: "6mo", LabelFormat: "2006-01-02", Split: 10},
	"1Y": {Name: "1Y", Interval: "1d", Range: "1y", LabelFormat: "2006-01-02", Split: 12},
	"5Y": {Name: "5Y", Interval: "1d", Range: "5y", LabelFormat: "2006-01-02", Split: 12},
}

// ResolveWindow maps user input such as "1d", "week", "1mo" or "5D" to a
// Window. Unknown input falls back to 1D.
func ResolveWindow(in string) Window {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "1w", "1wk", "week", "1week", "5d":
		return windows["5D"]
	case "1m", "1mo", "month", "1month", "30d":
		return windows["1M"]
	case "3m", "3mo", "90d":
		return windows["3M"]
	case "6m", "6mo", "180d":
		return windows["6M"]
	case "1y", "year", "12m":
		return windows["1Y"]
	case "5y":
		return windows["5Y"]
	default:
		return windows["1D"]
	}
}

// Intraday reports whether the window is drawn from intraday bars.
func (w Window) Intraday() bool { return w.Interval != "1d" }
