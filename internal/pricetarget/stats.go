// Package pricetarget summarizes analyst price targets and lays them out as
// labelled horizontal lines over a price chart.
package pricetarget

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTarget is one analyst's published target for a symbol.
type PriceTarget struct {
	Symbol        string  `json:"symbol,omitempty"`
	AnalystFirm   string  `json:"analyst_firm"`
	AnalystName   string  `json:"analyst_name,omitempty"`
	PriceTarget   float64 `json:"price_target"`
	PublishedDate string  `json:"published_date"`
	Action        string  `json:"action,omitempty"`
	Rating        string  `json:"rating,omitempty"`
}

// Valid reports whether the target is finite and positive.
func (t PriceTarget) Valid() bool {
	return !math.IsNaN(t.PriceTarget) && !math.IsInf(t.PriceTarget, 0) && t.PriceTarget > 0
}

// Stats summarizes the valid targets of a symbol.
type Stats struct {
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Count   int     `json:"count"`
}

// CalculateStats returns nil when no target is valid.
func CalculateStats(targets []PriceTarget) *Stats {
	values := make([]float64, 0, len(targets))
	for _, t := range targets {
		if t.Valid() {
			values = append(values, t.PriceTarget)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	n := len(values)
	median := values[n/2]
	if n%2 == 0 {
		median = (values[n/2-1] + values[n/2]) / 2
	}
	return &Stats{
		Average: sum / float64(n),
		Median:  median,
		High:    values[n-1],
		Low:     values[0],
		Count:   n,
	}
}

// FormatTargetPrice renders a price with two decimals below $10 and none
// otherwise, rounding half away from zero.
func FormatTargetPrice(price float64) string {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return "$-"
	}
	d := decimal.NewFromFloat(price)
	if price < 10 {
		return "$" + d.StringFixed(2)
	}
	return "$" + d.StringFixed(0)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// newer reports whether a was published after b. Unparseable dates compare
// as strings, which still orders ISO dates.
func newer(a, b string) bool {
	ta, okA := parseDate(a)
	tb, okB := parseDate(b)
	if okA && okB {
		return ta.After(tb)
	}
	return a > b
}

// Dedupe keeps the most recently published valid target per analyst firm
// and orders the result newest first. Targets without a firm are kept as is.
func Dedupe(targets []PriceTarget) []PriceTarget {
	latest := make(map[string]int)
	var out []PriceTarget
	for _, t := range targets {
		if !t.Valid() {
			continue
		}
		firm := strings.ToLower(strings.TrimSpace(t.AnalystFirm))
		if firm == "" {
			out = append(out, t)
			continue
		}
		i, seen := latest[firm]
		if !seen {
			latest[firm] = len(out)
			out = append(out, t)
			continue
		}
		if newer(t.PublishedDate, out[i].PublishedDate) {
			out[i] = t
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return newer(out[i].PublishedDate, out[j].PublishedDate)
	})
	return out
}
