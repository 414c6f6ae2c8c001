// Package chartmath maps price series into pixel space: price and volume
// scales, smoothed Bezier paths through a series, inverse X to Y lookup on the
// rendered curve, and OHLCV bucket aggregation.
package chartmath

// PricePoint is one sample of a price series. Timestamp is epoch milliseconds.
// Open/High/Low/Close/Volume are optional; Close falls back to Value.
type PricePoint struct {
	Timestamp int64    `json:"timestamp"`
	Value     float64  `json:"value"`
	Open      *float64 `json:"open,omitempty"`
	High      *float64 `json:"high,omitempty"`
	Low       *float64 `json:"low,omitempty"`
	Close     *float64 `json:"close,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
}

// CloseValue returns Close when present, otherwise Value.
func (p PricePoint) CloseValue() float64 {
	if p.Close != nil {
		return *p.Close
	}
	return p.Value
}

// OpenValue returns Open, then Close, then Value.
func (p PricePoint) OpenValue() float64 {
	if p.Open != nil {
		return *p.Open
	}
	return p.CloseValue()
}

// VolumeValue returns Volume or 0.
func (p PricePoint) VolumeValue() float64 {
	if p.Volume != nil {
		return *p.Volume
	}
	return 0
}

// Float returns a pointer to v, for filling optional PricePoint fields.
func Float(v float64) *float64 { return &v }

// Point is a pixel-space coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dimensions describes the chart canvas and its margins in pixels.
type Dimensions struct {
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	MarginTop    float64 `json:"marginTop"`
	MarginRight  float64 `json:"marginRight"`
	MarginBottom float64 `json:"marginBottom"`
	MarginLeft   float64 `json:"marginLeft"`
}

// ChartHeight is the drawable height between the top and bottom margins.
func (d Dimensions) ChartHeight() float64 { return d.Height - d.MarginTop - d.MarginBottom }

// ChartWidth is the drawable width between the left and right margins.
func (d Dimensions) ChartWidth() float64 { return d.Width - d.MarginLeft - d.MarginRight }

// Candle is one aggregated OHLCV bucket. Timestamp is the bucket start in
// epoch milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}
