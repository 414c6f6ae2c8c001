package pricetarget

import (
	"sort"

	"catalyst/internal/chartmath"
)

// DefaultMinSpacing is the vertical gap kept between stacked labels.
const DefaultMinSpacing = 20.0

// DefaultLabelHeight is the rendered height of one overlay label.
const DefaultLabelHeight = 18.0

// CalculateTargetY maps price onto the chart between minY (bottom) and maxY
// (top) price, clamped to the drawable band so off-range targets pin to the
// edge. A zero-width price range maps to the vertical centre.
func CalculateTargetY(price, minY, maxY, chartHeight, marginTop float64) float64 {
	if maxY == minY {
		return marginTop + chartHeight/2
	}
	y := marginTop + chartHeight - (price-minY)/(maxY-minY)*chartHeight
	return clamp(y, marginTop, marginTop+chartHeight)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Label is an overlay label's top edge and height in pixels.
type Label struct {
	Y      float64 `json:"y"`
	Height float64 `json:"height"`
}

// AdjustLabelPositions spreads labels so each one starts at least minSpacing
// below the bottom of the label above it, keeps them inside
// [marginTop, marginTop+chartHeight] and returns them in input order.
//
// Labels are pushed down in Y order; if the last one overflows the bottom
// edge, the whole stack is shifted up by the overflow and the spacing is
// re-enforced from the top. When the labels cannot fit at all the final
// clamp wins over spacing.
func AdjustLabelPositions(labels []Label, minSpacing, chartHeight, marginTop float64) []Label {
	n := len(labels)
	out := make([]Label, n)
	if n == 0 {
		return out
	}
	top, bottom := marginTop, marginTop+chartHeight
	if n == 1 {
		out[0] = Label{Y: clamp(labels[0].Y, top, bottom), Height: labels[0].Height}
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return labels[order[a]].Y < labels[order[b]].Y })

	pos := make([]Label, n)
	for i, idx := range order {
		pos[i] = Label{Y: clamp(labels[idx].Y, top, bottom), Height: labels[idx].Height}
	}

	spread := func() {
		for i := 1; i < n; i++ {
			if minY := pos[i-1].Y + pos[i-1].Height + minSpacing; pos[i].Y < minY {
				pos[i].Y = minY
			}
		}
	}
	spread()

	last := pos[n-1]
	if overflow := last.Y + last.Height - bottom; overflow > 0 {
		for i := n - 1; i >= 0; i-- {
			pos[i].Y -= overflow
			if pos[i].Y < top {
				pos[i].Y = top
			}
		}
		spread()
	}

	for i, idx := range order {
		out[idx] = Label{Y: clamp(pos[i].Y, top, bottom), Height: pos[i].Height}
	}
	return out
}

// LineKind names one of the four summary lines.
type LineKind string

const (
	LineAverage LineKind = "average"
	LineMedian  LineKind = "median"
	LineHigh    LineKind = "high"
	LineLow     LineKind = "low"
)

// LineStyle is the stroke of an overlay line.
type LineStyle struct {
	Color     string  `json:"color"`
	Width     float64 `json:"width"`
	DashArray string  `json:"dashArray,omitempty"`
}

// LineStyles are fixed per kind.
var LineStyles = map[LineKind]LineStyle{
	LineAverage: {Color: "#3b82f6", Width: 2, DashArray: "4,4"},
	LineMedian:  {Color: "#8b5cf6", Width: 1.5, DashArray: "4,4"},
	LineHigh:    {Color: "#22c55e", Width: 1.5, DashArray: "4,4"},
	LineLow:     {Color: "#ef4444", Width: 1.5, DashArray: "4,4"},
}

var lineTitles = map[LineKind]string{
	LineAverage: "Avg",
	LineMedian:  "Median",
	LineHigh:    "High",
	LineLow:     "Low",
}

// OverlayLine is one positioned summary line with its label.
type OverlayLine struct {
	Kind   LineKind  `json:"kind"`
	Price  float64   `json:"price"`
	Y      float64   `json:"y"`
	LabelY float64   `json:"labelY"`
	Label  string    `json:"label"`
	Style  LineStyle `json:"style"`
}

type summaryPrice struct {
	kind  LineKind
	price float64
}

func (s Stats) summaryPrices() []summaryPrice {
	return []summaryPrice{
		{LineAverage, s.Average},
		{LineMedian, s.Median},
		{LineHigh, s.High},
		{LineLow, s.Low},
	}
}

// BuildOverlay positions the average, median, high and low lines on scale
// and spreads their labels so none overlap. A nil stats yields no lines.
func BuildOverlay(stats *Stats, scale chartmath.PriceScale, dims chartmath.Dimensions) []OverlayLine {
	if stats == nil {
		return nil
	}
	chartHeight := dims.ChartHeight()
	lines := stats.summaryPrices()

	out := make([]OverlayLine, len(lines))
	labels := make([]Label, len(lines))
	for i, l := range lines {
		y := CalculateTargetY(l.price, scale.MinPrice, scale.MaxPrice, chartHeight, dims.MarginTop)
		out[i] = OverlayLine{
			Kind:  l.kind,
			Price: l.price,
			Y:     y,
			Label: lineTitles[l.kind] + " " + FormatTargetPrice(l.price),
			Style: LineStyles[l.kind],
		}
		labels[i] = Label{Y: y - DefaultLabelHeight/2, Height: DefaultLabelHeight}
	}

	adjusted := AdjustLabelPositions(labels, DefaultMinSpacing, chartHeight, dims.MarginTop)
	for i := range out {
		out[i].LabelY = adjusted[i].Y
	}
	return out
}
