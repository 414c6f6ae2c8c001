package chartmath

import (
	"math"
	"time"
)

// AggregateCandles folds points into OHLCV buckets of the given width aligned
// to the epoch. Open is the first point's open (falling back to close), close
// is the last point's close, high and low include the computed open and
// close. Every empty bucket between the first and the last one is filled with
// a flat candle at the previous close and zero volume.
func AggregateCandles(points []PricePoint, bucket time.Duration) []Candle {
	size := bucket.Milliseconds()
	if len(points) == 0 || size <= 0 {
		return nil
	}

	filled := make(map[int64]*Candle)
	firstKey, lastKey := int64(math.MaxInt64), int64(math.MinInt64)
	for _, p := range points {
		key := floorDiv(p.Timestamp, size) * size
		if key < firstKey {
			firstKey = key
		}
		if key > lastKey {
			lastKey = key
		}

		open, closePrice := p.OpenValue(), p.CloseValue()
		high, low := math.Max(open, closePrice), math.Min(open, closePrice)
		if p.High != nil {
			high = math.Max(high, *p.High)
		}
		if p.Low != nil {
			low = math.Min(low, *p.Low)
		}

		c, ok := filled[key]
		if !ok {
			filled[key] = &Candle{
				Timestamp: key,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    p.VolumeValue(),
			}
			continue
		}
		c.High = math.Max(c.High, high)
		c.Low = math.Min(c.Low, low)
		c.Close = closePrice
		c.Volume += p.VolumeValue()
	}

	out := make([]Candle, 0, (lastKey-firstKey)/size+1)
	var lastClose float64
	for key := firstKey; key <= lastKey; key += size {
		if c, ok := filled[key]; ok {
			out = append(out, *c)
			lastClose = c.Close
			continue
		}
		out = append(out, Candle{
			Timestamp: key,
			Open:      lastClose,
			High:      lastClose,
			Low:       lastClose,
			Close:     lastClose,
		})
	}
	return out
}

// AggregateIntradayTo5MinCandles buckets intraday points into 5-minute candles.
func AggregateIntradayTo5MinCandles(points []PricePoint) []Candle {
	return AggregateCandles(points, 5*time.Minute)
}

// AggregateToHourlyCandles buckets points into hourly candles.
func AggregateToHourlyCandles(points []PricePoint) []Candle {
	return AggregateCandles(points, time.Hour)
}

// CandlesToPoints turns candles back into a close series carrying OHLCV.
func CandlesToPoints(candles []Candle) []PricePoint {
	out := make([]PricePoint, len(candles))
	for i, c := range candles {
		out[i] = PricePoint{
			Timestamp: c.Timestamp,
			Value:     c.Close,
			Open:      Float(c.Open),
			High:      Float(c.High),
			Low:       Float(c.Low),
			Close:     Float(c.Close),
			Volume:    Float(c.Volume),
		}
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
