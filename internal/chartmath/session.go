package chartmath

import (
	"sync"
	"time"
)

// Session is a US equity trading session.
type Session string

const (
	SessionPre     Session = "pre"
	SessionRegular Session = "regular"
	SessionAfter   Session = "after"
	SessionClosed  Session = "closed"
)

const (
	preOpenMinute     = 4 * 60
	regularOpenMinute = 9*60 + 30
	regularCloseMin   = 16 * 60
	afterCloseMinute  = 20 * 60
)

var eastern = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// no tzdata on the host; EST without DST is close enough for bucketing
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
})

// Eastern returns the America/New_York location.
func Eastern() *time.Location { return eastern() }

// SessionOf classifies an epoch-millisecond timestamp by Eastern wall clock.
func SessionOf(ts int64) Session {
	t := time.UnixMilli(ts).In(Eastern())
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	m := t.Hour()*60 + t.Minute()
	switch {
	case m < preOpenMinute:
		return SessionClosed
	case m < regularOpenMinute:
		return SessionPre
	case m < regularCloseMin:
		return SessionRegular
	case m < afterCloseMinute:
		return SessionAfter
	default:
		return SessionClosed
	}
}

// SessionSegment is a contiguous run of points in one session.
type SessionSegment struct {
	Session Session
	Points  []PricePoint
}

// SplitBySession groups contiguous points sharing a session. Points outside
// trading hours are dropped.
func SplitBySession(points []PricePoint) []SessionSegment {
	var out []SessionSegment
	for _, p := range points {
		s := SessionOf(p.Timestamp)
		if s == SessionClosed {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Session == s {
			out[n-1].Points = append(out[n-1].Points, p)
			continue
		}
		out = append(out, SessionSegment{Session: s, Points: []PricePoint{p}})
	}
	return out
}

// ProjectSegments projects every session segment into pixel space, ready for
// GenerateSegmentedSmoothPaths.
func ProjectSegments(segments []SessionSegment, ps PriceScale, ts TimeScale) [][]Point {
	out := make([][]Point, len(segments))
	for i, s := range segments {
		out[i] = ToPoints(s.Points, ps, ts)
	}
	return out
}
