package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vicanso/go-charts/v2"

	"catalyst/internal/chartmath"
	"catalyst/internal/pricetarget"
	"catalyst/internal/util"
)

// TargetSource supplies analyst price targets for the overlay lines.
type TargetSource interface {
	PriceTargets(ctx context.Context, symbol string) ([]pricetarget.PriceTarget, error)
}

// CompareMode selects how RenderComparison puts symbols on one axis.
type CompareMode string

const (
	// ComparePrice plots raw prices; two symbols get one axis each.
	ComparePrice CompareMode = "price"
	// ComparePercent plots percent change from the first point.
	ComparePercent CompareMode = "percent"
	// CompareIndexed plots each series indexed to 100 at the first point.
	CompareIndexed CompareMode = "indexed"
)

// DefaultDimensions is the canvas used for path data.
var DefaultDimensions = chartmath.Dimensions{
	Width: 800, Height: 400,
	MarginTop: 20, MarginRight: 60, MarginBottom: 30, MarginLeft: 10,
}

// ChartService fetches series, aggregates them to candles and renders charts.
type ChartService struct {
	fetcher Fetcher
	cache   *ImageCache
	targets TargetSource
	dims    chartmath.Dimensions
	log     *slog.Logger
}

// NewChartService wires a service. targets may be nil to skip overlays.
func NewChartService(fetcher Fetcher, cache *ImageCache, targets TargetSource, log *slog.Logger) *ChartService {
	if cache == nil {
		cache = NewImageCache(DefaultChartCacheTTL)
	}
	if log == nil {
		log = util.Discard()
	}
	return &ChartService{
		fetcher: fetcher,
		cache:   cache,
		targets: targets,
		dims:    DefaultDimensions,
		log:     log.With("component", "charts"),
	}
}

// Cache exposes the image cache for pruning.
func (s *ChartService) Cache() *ImageCache { return s.cache }

// load fetches the series for w and aggregates it into gap-filled candles
// when the window has a bucket.
func (s *ChartService) load(ctx context.Context, symbol string, w Window) (Series, []chartmath.Candle, error) {
	series, err := s.fetcher.FetchSeries(ctx, symbol, w.Interval, w.Range)
	if err != nil {
		return Series{}, nil, err
	}
	var candles []chartmath.Candle
	if w.Bucket > 0 {
		candles = aggregateByDay(series.Points, w.Bucket)
		series.Points = chartmath.CandlesToPoints(candles)
	}
	if len(series.Points) < 2 {
		return Series{}, nil, fmt.Errorf("%s: not enough data points: %w", symbol, ErrNoData)
	}
	return series, candles, nil
}

// aggregateByDay buckets each Eastern trading day separately so gap filling
// never bridges an overnight or weekend break.
func aggregateByDay(points []chartmath.PricePoint, bucket time.Duration) []chartmath.Candle {
	et := chartmath.Eastern()
	var out []chartmath.Candle
	start := 0
	for i := 1; i <= len(points); i++ {
		if i < len(points) && sameDay(points[i-1].Timestamp, points[i].Timestamp, et) {
			continue
		}
		out = append(out, chartmath.AggregateCandles(points[start:i], bucket)...)
		start = i
	}
	return out
}

func sameDay(a, b int64, loc *time.Location) bool {
	ya, ma, da := time.UnixMilli(a).In(loc).Date()
	yb, mb, db := time.UnixMilli(b).In(loc).Date()
	return ya == yb && ma == mb && da == db
}

func (s *ChartService) stats(ctx context.Context, symbol string) *pricetarget.Stats {
	if s.targets == nil {
		return nil
	}
	targets, err := s.targets.PriceTargets(ctx, symbol)
	if err != nil {
		s.log.Warn("price targets unavailable", "symbol", symbol, "error", err)
		return nil
	}
	return pricetarget.CalculateStats(pricetarget.Dedupe(targets))
}

func labels(points []chartmath.PricePoint, layout string) []string {
	et := chartmath.Eastern()
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = time.UnixMilli(p.Timestamp).In(et).Format(layout)
	}
	return out
}

func closes(points []chartmath.PricePoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.CloseValue()
	}
	return out
}

func flat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Render draws symbol over window as a PNG with the analyst target lines
// (average, median, high, low) when targets are known. Images are cached
// per symbol and window.
func (s *ChartService) Render(ctx context.Context, symbol, window string) ([]byte, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	w := ResolveWindow(window)
	cacheKey := symbol + "|" + w.Name
	if img, ok := s.cache.Get(cacheKey); ok {
		return img, nil
	}

	series, _, err := s.load(ctx, symbol, w)
	if err != nil {
		return nil, err
	}
	bounds := chartmath.CalculatePriceRange(series.Points, series.PreviousClose, chartmath.DefaultPaddingPercent/2)
	yMin, yMax := bounds.MinPrice, bounds.MaxPrice
	if yMin < 0 {
		yMin = 0
	}

	values := [][]float64{closes(series.Points)}
	names := []string{symbol}
	scale := chartmath.NewPriceScale(bounds, s.dims)
	for _, line := range pricetarget.BuildOverlay(s.stats(ctx, symbol), scale, s.dims) {
		// Off-range targets sit on the edge, as CalculateTargetY clamps them.
		values = append(values, flat(scale.YToPrice(line.Y), len(series.Points)))
		names = append(names, line.Label)
	}

	seriesList := charts.NewSeriesListDataFromValues(values, charts.ChartTypeLine)
	for i := range seriesList {
		seriesList[i].Name = names[i]
	}
	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc(symbol+" • "+w.Interval+" • "+w.Name),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: labels(series.Points, w.LabelFormat), BoundaryGap: charts.FalseFlag(), SplitNumber: w.Split}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, err
	}
	img, err := painter.Bytes()
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey, img)
	return img, nil
}

type loaded struct {
	sym    string
	points map[int64]float64
}

// RenderComparison draws several symbols on shared timestamps. With more than
// two symbols ComparePrice falls back to ComparePercent.
func (s *ChartService) RenderComparison(ctx context.Context, symbols []string, window string, mode CompareMode) ([]byte, error) {
	w := ResolveWindow(window)
	arr := make([]loaded, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		series, _, err := s.load(ctx, sym, w)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sym, err)
		}
		mp := make(map[int64]float64, len(series.Points))
		for _, p := range series.Points {
			mp[p.Timestamp] = p.CloseValue()
		}
		arr = append(arr, loaded{sym: sym, points: mp})
	}
	if len(arr) == 0 {
		return nil, errors.New("no symbols provided")
	}
	if mode == ComparePrice && len(arr) > 2 {
		mode = ComparePercent
	}

	// intersect timestamps across all series
	count := map[int64]int{}
	for _, x := range arr {
		for t := range x.points {
			count[t]++
		}
	}
	common := make([]chartmath.PricePoint, 0, len(count))
	for t, c := range count {
		if c == len(arr) {
			common = append(common, chartmath.PricePoint{Timestamp: t})
		}
	}
	if len(common) < 2 {
		return nil, errors.New("not enough overlapping time points")
	}
	sort.Slice(common, func(i, j int) bool { return common[i].Timestamp < common[j].Timestamp })

	values := make([][]float64, len(arr))
	names := make([]string, len(arr))
	axes := make([]charts.YAxisOption, 0, 2)
	for i, x := range arr {
		vals := make([]float64, len(common))
		for j, p := range common {
			vals[j] = x.points[p.Timestamp]
		}
		values[i] = rebase(vals, mode)
		names[i] = x.sym
	}

	switch mode {
	case ComparePrice:
		for i, vals := range values {
			pts := make([]chartmath.PricePoint, len(vals))
			for j, v := range vals {
				pts[j] = chartmath.PricePoint{Value: v}
			}
			b := chartmath.CalculatePriceRange(pts, nil, chartmath.DefaultPaddingPercent/2)
			opt := charts.YAxisOption{Min: &b.MinPrice, Max: &b.MaxPrice, DivideCount: 5}
			if i == 1 {
				opt.Position = charts.PositionRight
			}
			axes = append(axes, opt)
		}
	default:
		var all []chartmath.PricePoint
		for _, vals := range values {
			for _, v := range vals {
				all = append(all, chartmath.PricePoint{Value: v})
			}
		}
		b := chartmath.CalculatePriceRange(all, nil, chartmath.DefaultPaddingPercent/2)
		axes = append(axes, charts.YAxisOption{Min: &b.MinPrice, Max: &b.MaxPrice, DivideCount: 5})
	}

	seriesList := charts.NewSeriesListDataFromValues(values, charts.ChartTypeLine)
	for i := range seriesList {
		seriesList[i].Name = names[i]
		if mode == ComparePrice {
			seriesList[i].AxisIndex = i % 2
		}
	}
	subtitle := strings.Join(names, ", ")
	switch mode {
	case ComparePercent:
		subtitle += " • normalized %"
	case CompareIndexed:
		subtitle += " • base 100"
	}
	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc("Compare • "+w.Interval+" • "+w.Name, subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: labels(common, w.LabelFormat), BoundaryGap: charts.FalseFlag(), SplitNumber: w.Split}),
		charts.YAxisOptionFunc(axes...),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, err
	}
	return painter.Bytes()
}

// rebase rewrites vals relative to the first non-zero value.
func rebase(vals []float64, mode CompareMode) []float64 {
	if mode == ComparePrice || len(vals) == 0 {
		return vals
	}
	base := 0.0
	for _, v := range vals {
		if v != 0 {
			base = v
			break
		}
	}
	if base == 0 {
		base = 1
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		if mode == CompareIndexed {
			out[i] = v / base * 100
		} else {
			out[i] = (v/base - 1) * 100
		}
	}
	return out
}

// SessionPath is the smoothed SVG path for one trading session run.
type SessionPath struct {
	Session chartmath.Session `json:"session"`
	Path    string            `json:"path"`
}

// ChartData is the vector form of a chart, for clients drawing their own.
type ChartData struct {
	Symbol        string                    `json:"symbol"`
	Range         string                    `json:"range"`
	Dimensions    chartmath.Dimensions      `json:"dimensions"`
	Bounds        chartmath.PriceBounds     `json:"bounds"`
	PreviousClose *float64                  `json:"previousClose,omitempty"`
	Candles       []chartmath.Candle        `json:"candles,omitempty"`
	Points        []chartmath.PricePoint    `json:"points"`
	Paths         []SessionPath             `json:"paths"`
	Overlay       []pricetarget.OverlayLine `json:"overlay,omitempty"`
	Stats         *pricetarget.Stats        `json:"stats,omitempty"`
}

// Data returns scales, smoothed paths per session and the target overlay.
// Daily windows have no sessions and yield a single regular path.
func (s *ChartService) Data(ctx context.Context, symbol, window string) (ChartData, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	w := ResolveWindow(window)
	series, candles, err := s.load(ctx, symbol, w)
	if err != nil {
		return ChartData{}, err
	}

	bounds := chartmath.CalculatePriceRange(series.Points, series.PreviousClose, chartmath.DefaultPaddingPercent)
	ps := chartmath.NewPriceScale(bounds, s.dims)
	ts := chartmath.CreateTimeScale(series.Points, s.dims)

	var segments []chartmath.SessionSegment
	if w.Intraday() {
		segments = chartmath.SplitBySession(series.Points)
	} else {
		segments = []chartmath.SessionSegment{{Session: chartmath.SessionRegular, Points: series.Points}}
	}
	paths := chartmath.GenerateSegmentedSmoothPaths(chartmath.ProjectSegments(segments, ps, ts), chartmath.DefaultTension)
	out := make([]SessionPath, len(paths))
	for i, p := range paths {
		out[i] = SessionPath{Session: segments[i].Session, Path: p}
	}

	stats := s.stats(ctx, symbol)
	return ChartData{
		Symbol:        symbol,
		Range:         w.Name,
		Dimensions:    s.dims,
		Bounds:        bounds,
		PreviousClose: series.PreviousClose,
		Candles:       candles,
		Points:        series.Points,
		Paths:         out,
		Overlay:       pricetarget.BuildOverlay(stats, ps, s.dims),
		Stats:         stats,
	}, nil
}
