package chartmath

import "math"

// DefaultPaddingPercent is the share of the raw price range added above and
// below the series.
const DefaultPaddingPercent = 0.1

// fallbackPrice centres the synthetic range when there is neither data nor a
// previous close.
const fallbackPrice = 100.0

// PriceBounds is a padded price interval.
type PriceBounds struct {
	MinPrice   float64 `json:"minPrice"`
	MaxPrice   float64 `json:"maxPrice"`
	PriceRange float64 `json:"priceRange"`
}

// CalculatePriceRange returns the padded min/max across every point's close
// (and open/high/low/close when present). When previousClose is non-nil it is
// included so a reference line is never clipped. Empty input yields ±10%
// around previousClose, or around 100 without one.
func CalculatePriceRange(points []PricePoint, previousClose *float64, paddingPercent float64) PriceBounds {
	if paddingPercent < 0 {
		paddingPercent = 0
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	observe := func(v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	for _, p := range points {
		observe(p.CloseValue())
		for _, v := range []*float64{p.Open, p.High, p.Low} {
			if v != nil {
				observe(*v)
			}
		}
	}

	if lo > hi {
		base := fallbackPrice
		if previousClose != nil && *previousClose > 0 {
			base = *previousClose
		}
		return PriceBounds{MinPrice: base * 0.9, MaxPrice: base * 1.1, PriceRange: base * 0.2}
	}
	if previousClose != nil {
		observe(*previousClose)
	}

	raw := hi - lo
	pad := raw * paddingPercent
	if raw == 0 {
		// flat series: pad relative to the price itself so the scale is never degenerate
		pad = math.Abs(hi) * paddingPercent
		if pad == 0 {
			pad = 1
		}
	}
	minPrice, maxPrice := lo-pad, hi+pad
	return PriceBounds{MinPrice: minPrice, MaxPrice: maxPrice, PriceRange: maxPrice - minPrice}
}

// PriceScale maps prices to pixel Y and back. Higher prices map to smaller Y.
type PriceScale struct {
	MinPrice   float64
	MaxPrice   float64
	PriceRange float64

	top    float64
	bottom float64
}

// CreatePriceScale builds a scale over the padded range of points.
func CreatePriceScale(points []PricePoint, previousClose *float64, dims Dimensions) PriceScale {
	return NewPriceScale(CalculatePriceRange(points, previousClose, DefaultPaddingPercent), dims)
}

// NewPriceScale builds a scale from precomputed bounds.
func NewPriceScale(b PriceBounds, dims Dimensions) PriceScale {
	return PriceScale{
		MinPrice:   b.MinPrice,
		MaxPrice:   b.MaxPrice,
		PriceRange: b.PriceRange,
		top:        dims.MarginTop,
		bottom:     dims.MarginTop + dims.ChartHeight(),
	}
}

// PriceToY maps [MinPrice, MaxPrice] onto [bottom, top].
func (s PriceScale) PriceToY(price float64) float64 {
	if s.PriceRange == 0 {
		return (s.top + s.bottom) / 2
	}
	return s.bottom - (price-s.MinPrice)/s.PriceRange*(s.bottom-s.top)
}

// YToPrice is the algebraic inverse of PriceToY.
func (s PriceScale) YToPrice(y float64) float64 {
	h := s.bottom - s.top
	if h == 0 {
		return s.MinPrice + s.PriceRange/2
	}
	return s.MinPrice + (s.bottom-y)/h*s.PriceRange
}

// VolumeScale maps volume onto bar heights in [0, Height].
type VolumeScale struct {
	MaxVolume float64
	Height    float64
}

// CreateVolumeScale floors the max volume at 1 to avoid dividing by zero.
func CreateVolumeScale(points []PricePoint, volumeHeight float64) VolumeScale {
	maxVolume := 1.0
	for _, p := range points {
		if v := p.VolumeValue(); v > maxVolume {
			maxVolume = v
		}
	}
	return VolumeScale{MaxVolume: maxVolume, Height: volumeHeight}
}

// VolumeToHeight returns the bar height for v.
func (s VolumeScale) VolumeToHeight(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return v / s.MaxVolume * s.Height
}

// TimeScale maps timestamps onto the drawable width.
type TimeScale struct {
	Start int64
	End   int64

	left  float64
	width float64
}

// CreateTimeScale spans the first and last timestamp of points.
func CreateTimeScale(points []PricePoint, dims Dimensions) TimeScale {
	ts := TimeScale{left: dims.MarginLeft, width: dims.ChartWidth()}
	if len(points) > 0 {
		ts.Start = points[0].Timestamp
		ts.End = points[len(points)-1].Timestamp
	}
	return ts
}

// TimeToX maps a timestamp linearly; a zero-length span maps to the centre.
func (s TimeScale) TimeToX(ts int64) float64 {
	if s.End == s.Start {
		return s.left + s.width/2
	}
	return s.left + float64(ts-s.Start)/float64(s.End-s.Start)*s.width
}

// XToTime is the inverse of TimeToX, rounded to the nearest millisecond.
func (s TimeScale) XToTime(x float64) int64 {
	if s.width == 0 || s.End == s.Start {
		return s.Start
	}
	return s.Start + int64(math.Round((x-s.left)/s.width*float64(s.End-s.Start)))
}

// ToPoints projects a series into pixel space.
func ToPoints(points []PricePoint, ps PriceScale, ts TimeScale) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{X: ts.TimeToX(p.Timestamp), Y: ps.PriceToY(p.CloseValue())}
	}
	return out
}
