package pricetarget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalyst/internal/chartmath"
)

func TestCalculateStats(t *testing.T) {
	stats := CalculateStats([]PriceTarget{
		{AnalystFirm: "A", PriceTarget: 100},
		{AnalystFirm: "B", PriceTarget: 120},
		{AnalystFirm: "C", PriceTarget: 90},
		{AnalystFirm: "D", PriceTarget: 0},
		{AnalystFirm: "E", PriceTarget: -5},
	})
	require.NotNil(t, stats)
	assert.InDelta(t, 103.33, stats.Average, 0.01)
	assert.Equal(t, 100.0, stats.Median)
	assert.Equal(t, 120.0, stats.High)
	assert.Equal(t, 90.0, stats.Low)
	assert.Equal(t, 3, stats.Count)
}

func TestCalculateStats_EvenCountAndEmpty(t *testing.T) {
	stats := CalculateStats([]PriceTarget{{PriceTarget: 10}, {PriceTarget: 20}, {PriceTarget: 40}, {PriceTarget: 30}})
	require.NotNil(t, stats)
	assert.Equal(t, 25.0, stats.Median)

	assert.Nil(t, CalculateStats(nil))
	assert.Nil(t, CalculateStats([]PriceTarget{{PriceTarget: 0}}))
}

func TestFormatTargetPrice(t *testing.T) {
	assert.Equal(t, "$4.20", FormatTargetPrice(4.2))
	assert.Equal(t, "$9.99", FormatTargetPrice(9.99))
	assert.Equal(t, "$185", FormatTargetPrice(185.4))
	assert.Equal(t, "$186", FormatTargetPrice(185.5))
	assert.Equal(t, "$10", FormatTargetPrice(10))
}

func TestCalculateTargetY(t *testing.T) {
	assert.Equal(t, 20.0, CalculateTargetY(200, 100, 150, 300, 20))
	assert.Equal(t, 320.0, CalculateTargetY(50, 100, 150, 300, 20))
	assert.Equal(t, 170.0, CalculateTargetY(125, 100, 150, 300, 20))
	assert.Equal(t, 170.0, CalculateTargetY(1, 100, 100, 300, 20))
}

func TestAdjustLabelPositions_Overlap(t *testing.T) {
	out := AdjustLabelPositions([]Label{{Y: 100, Height: 20}, {Y: 100, Height: 20}}, DefaultMinSpacing, 300, 20)
	require.Len(t, out, 2)
	assert.Equal(t, 100.0, out[0].Y)
	assert.GreaterOrEqual(t, out[1].Y, 140.0)
}

func TestAdjustLabelPositions_Invariants(t *testing.T) {
	const (
		chartHeight = 400.0
		marginTop   = 10.0
	)
	cases := [][]Label{
		{{Y: 50, Height: 20}, {Y: 55, Height: 20}, {Y: 60, Height: 20}, {Y: 300, Height: 20}},
		{{Y: 400, Height: 20}, {Y: 405, Height: 20}, {Y: 398, Height: 20}, {Y: 410, Height: 20}},
		{{Y: 0, Height: 18}, {Y: 200, Height: 18}, {Y: 1, Height: 18}, {Y: 402, Height: 18}},
	}
	for _, in := range cases {
		out := AdjustLabelPositions(in, DefaultMinSpacing, chartHeight, marginTop)
		require.Len(t, out, len(in))

		sorted := append([]Label(nil), out...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j].Y < sorted[j-1].Y; j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		for i, l := range sorted {
			assert.GreaterOrEqual(t, l.Y, marginTop)
			assert.LessOrEqual(t, l.Y, marginTop+chartHeight)
			if i > 0 {
				prev := sorted[i-1]
				assert.GreaterOrEqual(t, l.Y, prev.Y+prev.Height+DefaultMinSpacing-1e-9)
			}
		}
	}
}

func TestAdjustLabelPositions_PreservesOrder(t *testing.T) {
	out := AdjustLabelPositions([]Label{{Y: 200, Height: 10}, {Y: 50, Height: 10}}, 5, 300, 0)
	assert.Equal(t, 200.0, out[0].Y)
	assert.Equal(t, 50.0, out[1].Y)

	assert.Empty(t, AdjustLabelPositions(nil, 5, 300, 0))
	assert.Equal(t, 300.0, AdjustLabelPositions([]Label{{Y: 999, Height: 10}}, 5, 300, 0)[0].Y)
}

func TestDedupe(t *testing.T) {
	out := Dedupe([]PriceTarget{
		{AnalystFirm: "Goldman", PriceTarget: 150, PublishedDate: "2025-01-10"},
		{AnalystFirm: "goldman ", PriceTarget: 170, PublishedDate: "2025-03-01"},
		{AnalystFirm: "MS", PriceTarget: 140, PublishedDate: "2025-02-01"},
		{AnalystFirm: "MS", PriceTarget: 0, PublishedDate: "2025-04-01"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, 170.0, out[0].PriceTarget)
	assert.Equal(t, "MS", out[1].AnalystFirm)
}

func TestBuildOverlay(t *testing.T) {
	dims := chartmath.Dimensions{Width: 400, Height: 300, MarginTop: 20, MarginBottom: 30}
	scale := chartmath.NewPriceScale(chartmath.PriceBounds{MinPrice: 80, MaxPrice: 130, PriceRange: 50}, dims)
	lines := BuildOverlay(&Stats{Average: 103.33, Median: 100, High: 120, Low: 90, Count: 3}, scale, dims)
	require.Len(t, lines, 4)
	assert.Equal(t, LineAverage, lines[0].Kind)
	assert.Equal(t, "Avg $103", lines[0].Label)
	assert.Equal(t, LineStyle{Color: "#22c55e", Width: 1.5, DashArray: "4,4"}, lines[2].Style)
	assert.Less(t, lines[2].Y, lines[3].Y)

	assert.Nil(t, BuildOverlay(nil, scale, dims))
}

func TestLineStyles(t *testing.T) {
	assert.Equal(t, map[LineKind]LineStyle{
		LineAverage: {Color: "#3b82f6", Width: 2, DashArray: "4,4"},
		LineMedian:  {Color: "#8b5cf6", Width: 1.5, DashArray: "4,4"},
		LineHigh:    {Color: "#22c55e", Width: 1.5, DashArray: "4,4"},
		LineLow:     {Color: "#ef4444", Width: 1.5, DashArray: "4,4"},
	}, LineStyles)
}

func TestAvailability(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var a Availability
	assert.False(t, a.IsCoolingDown(now))

	a.MarkFailure(now)
	assert.True(t, a.IsCoolingDown(now.Add(59*time.Second)))
	assert.False(t, a.IsCoolingDown(now.Add(60*time.Second)))

	a.MarkSuccess()
	assert.False(t, a.IsCoolingDown(now))
}

func TestClientFetch_CooldownAfterFailure(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/api/price-targets/AAPL", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Response{Symbol: "AAPL", Targets: []PriceTarget{
			{AnalystFirm: "A", PriceTarget: 200, PublishedDate: "2025-01-01"},
			{AnalystFirm: "A", PriceTarget: 210, PublishedDate: "2025-02-01"},
		}})
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(srv.URL, srv.Client(), nil)
	c.now = func() time.Time { return now }

	_, err := c.Fetch(context.Background(), "aapl")
	require.Error(t, err)
	assert.True(t, c.Availability().IsCoolingDown(now))

	fail.Store(false)
	_, err = c.Fetch(context.Background(), "aapl")
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(DefaultCooldown)
	targets, err := c.Fetch(context.Background(), "aapl")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 210.0, targets[0].PriceTarget)
	assert.False(t, c.Availability().IsCoolingDown(now))
}

func TestClientFetch_SingleRequestAfterCooldown(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		entered <- struct{}{}
		<-release
		_ = json.NewEncoder(w).Encode(Response{Symbol: "AAPL"})
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(srv.URL, srv.Client(), nil)
	c.now = func() time.Time { return now }

	_, err := c.Fetch(context.Background(), "AAPL")
	require.Error(t, err)
	fail.Store(false)
	now = now.Add(DefaultCooldown)

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "AAPL")
		done <- err
	}()
	<-entered

	_, err = c.Fetch(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, int32(2), calls.Load())

	close(release)
	require.NoError(t, <-done)

	_, err = c.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)
	targets, err := c.Fetch(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.False(t, c.Availability().IsCoolingDown(time.Now()))
}
