package chartmath

import (
	"math"
	"strconv"
	"strings"
)

const (
	// DefaultTension is the Catmull-Rom tension used by the chart surfaces.
	DefaultTension = 0.4

	maxBezierIterations = 50
	bezierTolerance     = 0.1
	continuationEpsilon = 1.0
	duplicateEpsilon    = 0.01
)

func formatCoord(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func writeMove(b *strings.Builder, p Point) {
	b.WriteString("M ")
	b.WriteString(formatCoord(p.X))
	b.WriteByte(' ')
	b.WriteString(formatCoord(p.Y))
}

func writeLine(b *strings.Builder, p Point) {
	b.WriteString(" L ")
	b.WriteString(formatCoord(p.X))
	b.WriteByte(' ')
	b.WriteString(formatCoord(p.Y))
}

func writeCurve(b *strings.Builder, cp1, cp2, p Point) {
	b.WriteString(" C ")
	for i, q := range []Point{cp1, cp2, p} {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatCoord(q.X))
		b.WriteByte(' ')
		b.WriteString(formatCoord(q.Y))
	}
}

// ControlPoints converts the Catmull-Rom segment p1->p2 (with neighbours p0
// and p3) into cubic Bezier control points.
func ControlPoints(p0, p1, p2, p3 Point, tension float64) (Point, Point) {
	cp1 := Point{
		X: p1.X + tension*(p2.X-p0.X)/6,
		Y: p1.Y + tension*(p2.Y-p0.Y)/6,
	}
	cp2 := Point{
		X: p2.X - tension*(p3.X-p1.X)/6,
		Y: p2.Y - tension*(p3.Y-p1.Y)/6,
	}
	return cp1, cp2
}

// GenerateSmoothPath returns an SVG path through points. Zero points give "",
// one point a bare move, two points a straight line, otherwise one cubic
// segment per consecutive pair with endpoints duplicated as their own
// neighbours.
func GenerateSmoothPath(points []Point, tension float64) string {
	switch len(points) {
	case 0:
		return ""
	case 1:
		var b strings.Builder
		writeMove(&b, points[0])
		return b.String()
	case 2:
		var b strings.Builder
		writeMove(&b, points[0])
		writeLine(&b, points[1])
		return b.String()
	}
	return smoothPath(points, points[0], points[len(points)-1], tension)
}

// smoothPath draws curves through pts using before and after as the outer
// neighbours of the first and last segment.
func smoothPath(pts []Point, before, after Point, tension float64) string {
	var b strings.Builder
	writeMove(&b, pts[0])
	n := len(pts)
	for i := 0; i < n-1; i++ {
		p0 := before
		if i > 0 {
			p0 = pts[i-1]
		}
		p3 := after
		if i+2 < n {
			p3 = pts[i+2]
		}
		cp1, cp2 := ControlPoints(p0, pts[i], pts[i+1], p3, tension)
		writeCurve(&b, cp1, cp2, pts[i+1])
	}
	return b.String()
}

func near(a, b Point, eps float64) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps
}

// GenerateSegmentedSmoothPaths returns one path per segment (one per market
// session). At a boundary the neighbouring segment's edge point is used as
// p0/p3 so the curve keeps its tangent across sessions. A segment whose first
// point continues the previous segment's endpoint starts at that shared
// endpoint instead of moving to a second, nearly identical point.
func GenerateSegmentedSmoothPaths(segments [][]Point, tension float64) []string {
	paths := make([]string, len(segments))
	for s, seg := range segments {
		if len(seg) == 0 {
			continue
		}

		prev := lastNonEmpty(segments[:s])
		next := firstNonEmpty(segments[s+1:])

		pts := seg
		var before *Point
		if prev != nil {
			prevLast := prev[len(prev)-1]
			if near(prevLast, seg[0], continuationEpsilon) {
				pts = append([]Point{prevLast}, seg[1:]...)
				if len(prev) > 1 {
					before = &prev[len(prev)-2]
				}
			} else {
				before = &prevLast
			}
		}

		var after *Point
		if next != nil {
			after = &next[0]
			if near(next[0], pts[len(pts)-1], continuationEpsilon) && len(next) > 1 {
				after = &next[1]
			}
		}

		if len(pts) == 1 || (before == nil && after == nil) {
			paths[s] = GenerateSmoothPath(pts, tension)
			continue
		}
		b, a := pts[0], pts[len(pts)-1]
		if before != nil {
			b = *before
		}
		if after != nil {
			a = *after
		}
		paths[s] = smoothPath(pts, b, a, tension)
	}
	return paths
}

func lastNonEmpty(segments [][]Point) []Point {
	for i := len(segments) - 1; i >= 0; i-- {
		if len(segments[i]) > 0 {
			return segments[i]
		}
	}
	return nil
}

func firstNonEmpty(segments [][]Point) []Point {
	for _, s := range segments {
		if len(s) > 0 {
			return s
		}
	}
	return nil
}

// GenerateContinuousSmoothPath draws all segments as a single path, dropping
// points that repeat the previous one.
func GenerateContinuousSmoothPath(segments [][]Point, tension float64) string {
	var flat []Point
	for _, seg := range segments {
		for _, p := range seg {
			if len(flat) > 0 && near(flat[len(flat)-1], p, duplicateEpsilon) {
				continue
			}
			flat = append(flat, p)
		}
	}
	return GenerateSmoothPath(flat, tension)
}

func bezierAt(t float64, p0, cp1, cp2, p1 Point) Point {
	mt := 1 - t
	a := mt * mt * mt
	b := 3 * mt * mt * t
	c := 3 * mt * t * t
	d := t * t * t
	return Point{
		X: a*p0.X + b*cp1.X + c*cp2.X + d*p1.X,
		Y: a*p0.Y + b*cp1.Y + c*cp2.Y + d*p1.Y,
	}
}

// GetYOnCubicBezier finds Y at targetX on the cubic from p0 to p1 by binary
// search over t. If the search does not land within 0.1px it falls back to
// linear interpolation between the endpoints.
func GetYOnCubicBezier(targetX float64, p0, cp1, cp2, p1 Point) float64 {
	lo, hi := 0.0, 1.0
	increasing := p1.X >= p0.X
	for i := 0; i < maxBezierIterations; i++ {
		t := (lo + hi) / 2
		pt := bezierAt(t, p0, cp1, cp2, p1)
		diff := pt.X - targetX
		if math.Abs(diff) < bezierTolerance {
			return pt.Y
		}
		if (diff < 0) == increasing {
			lo = t
		} else {
			hi = t
		}
	}

	if p1.X == p0.X {
		return p0.Y
	}
	ratio := (targetX - p0.X) / (p1.X - p0.X)
	return p0.Y + ratio*(p1.Y-p0.Y)
}

// GetYOnSmoothCurve returns the Y of the path GenerateSmoothPath would draw
// at targetX. ok is false when targetX lies outside every segment.
func GetYOnSmoothCurve(points []Point, targetX, tension float64) (y float64, ok bool) {
	switch len(points) {
	case 0:
		return 0, false
	case 1:
		if math.Abs(points[0].X-targetX) < bezierTolerance {
			return points[0].Y, true
		}
		return 0, false
	}

	n := len(points)
	for i := 0; i < n-1; i++ {
		p1, p2 := points[i], points[i+1]
		if targetX < math.Min(p1.X, p2.X) || targetX > math.Max(p1.X, p2.X) {
			continue
		}
		if n == 2 {
			if p2.X == p1.X {
				return p1.Y, true
			}
			return p1.Y + (targetX-p1.X)/(p2.X-p1.X)*(p2.Y-p1.Y), true
		}
		p0 := points[max(i-1, 0)]
		p3 := points[min(i+2, n-1)]
		cp1, cp2 := ControlPoints(p0, p1, p2, p3, tension)
		return GetYOnCubicBezier(targetX, p1, cp1, cp2, p2), true
	}
	return 0, false
}
