package timegrid

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInterval is returned when an interval token cannot be parsed.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a kline aggregation window token.
type Interval string

const (
	Second1  Interval = "1s"
	Minute1  Interval = "1m"
	Minute3  Interval = "3m"
	Minute5  Interval = "5m"
	Minute15 Interval = "15m"
	Minute30 Interval = "30m"
	Hour1    Interval = "1h"
	Hour2    Interval = "2h"
	Hour4    Interval = "4h"
	Hour6    Interval = "6h"
	Hour8    Interval = "8h"
	Hour12   Interval = "12h"
	Day1     Interval = "1d"
	Day3     Interval = "3d"
	Week1    Interval = "1w"
	Month1   Interval = "1M"
)

// Intervals lists every supported interval in ascending duration order.
var Intervals = []Interval{
	Second1, Minute1, Minute3, Minute5, Minute15, Minute30,
	Hour1, Hour2, Hour4, Hour6, Hour8, Hour12,
	Day1, Day3, Week1, Month1,
}

var fixedDurations = map[Interval]time.Duration{
	Second1:  time.Second,
	Minute1:  time.Minute,
	Minute3:  3 * time.Minute,
	Minute5:  5 * time.Minute,
	Minute15: 15 * time.Minute,
	Minute30: 30 * time.Minute,
	Hour1:    time.Hour,
	Hour2:    2 * time.Hour,
	Hour4:    4 * time.Hour,
	Hour6:    6 * time.Hour,
	Hour8:    8 * time.Hour,
	Hour12:   12 * time.Hour,
	Day1:     24 * time.Hour,
	Day3:     72 * time.Hour,
	Week1:    7 * 24 * time.Hour,
}

// ParseInterval parses an interval token such as "1m" or "1M".
// Tokens are case-sensitive: "1m" is one minute, "1M" is one month.
func ParseInterval(token string) (Interval, error) {
	iv := Interval(token)
	if _, ok := fixedDurations[iv]; ok {
		return iv, nil
	}
	if iv == Month1 {
		return iv, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, token)
}

// String returns the interval token.
func (iv Interval) String() string { return string(iv) }

// IsCalendar reports whether the interval steps by calendar rules
// rather than a fixed duration.
func (iv Interval) IsCalendar() bool { return iv == Month1 }

// Duration returns the fixed width of the interval. For 1M it returns an
// approximation of 30 days; use Step for exact calendar arithmetic.
func (iv Interval) Duration() time.Duration {
	if d, ok := fixedDurations[iv]; ok {
		return d
	}
	return 30 * 24 * time.Hour
}

// Micros returns the interval width in microseconds for fixed-width
// intervals. Calendar intervals do not have a constant width; callers
// must use Step instead.
func (iv Interval) Micros() int64 {
	return iv.Duration().Microseconds()
}

// Step advances t by one interval. Weeks step a fixed seven days; months
// step to the same day of the next month, capped at that month's length.
func (iv Interval) Step(t time.Time) time.Time {
	t = t.UTC()
	if iv != Month1 {
		return t.Add(iv.Duration())
	}
	y, m, d := t.Date()
	next := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(next.Year(), next.Month()); d > last {
		d = last
	}
	return time.Date(next.Year(), next.Month(), d,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
