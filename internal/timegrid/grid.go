package timegrid

import (
	"time"
)

// The weekly grid is anchored on Monday 00:00 UTC. The Unix epoch fell on
// a Thursday, so the grid is offset four days from it.
const mondayEpochOffsetMicros = 4 * 24 * 60 * 60 * 1_000_000

// Floor returns the largest grid instant not after t. All arithmetic is
// on the UTC epoch grid; inputs in other zones are converted first.
func Floor(t time.Time, iv Interval) time.Time {
	t = t.UTC()
	if iv == Month1 {
		y, m, _ := t.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
	us := t.UnixMicro()
	if iv == Week1 {
		us -= mondayEpochOffsetMicros
		us -= floorMod(us, iv.Micros())
		return time.UnixMicro(us + mondayEpochOffsetMicros).UTC()
	}
	return time.UnixMicro(us - floorMod(us, iv.Micros())).UTC()
}

// Ceil returns the smallest grid instant not before t.
func Ceil(t time.Time, iv Interval) time.Time {
	t = t.UTC()
	floored := Floor(t, iv)
	if floored.Equal(t) {
		return floored
	}
	return iv.Step(floored)
}

// Aligned reports whether t lies exactly on the interval grid.
func Aligned(t time.Time, iv Interval) bool {
	return Floor(t, iv).Equal(t.UTC())
}

// GridCount returns the number of grid instants in the half-open window
// [a, b). Zero when the window contains no grid instant.
func GridCount(a, b time.Time, iv Interval) int {
	a, b = a.UTC(), b.UTC()
	if !a.Before(b) {
		return 0
	}
	first := Ceil(a, iv)
	if !first.Before(b) {
		return 0
	}
	if !iv.IsCalendar() {
		span := b.Sub(first) - time.Microsecond
		return int(span/iv.Duration()) + 1
	}
	n := 0
	for t := first; t.Before(b); t = iv.Step(t) {
		n++
	}
	return n
}

// CloseTime returns the conventional close instant for a bar opened at
// open: one microsecond before the next grid instant.
func CloseTime(open time.Time, iv Interval) time.Time {
	return iv.Step(open.UTC()).Add(-time.Microsecond)
}

// IsBarComplete reports whether the bar opened at open has fully closed
// by now. The current still-forming bar is incomplete.
func IsBarComplete(open time.Time, iv Interval, now time.Time) bool {
	return !CloseTime(open, iv).After(now.UTC())
}

func floorMod(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}
