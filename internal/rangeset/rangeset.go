// Package rangeset implements the interval arithmetic behind failover:
// which grid-aligned stretches of a request are still unresolved after
// each stage. Ranges are half-open [Start, End) in UTC.
package rangeset

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/candlekeep/klinevault/internal/timegrid"
)

// Range is one contiguous half-open time span.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) IsZero() bool { return !r.Start.Before(r.End) }

func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Intersect clips r to o. The zero Range means no overlap.
func (r Range) Intersect(o Range) Range {
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	if out.IsZero() {
		return Range{}
	}
	return out
}

// Days lists the UTC midnights whose day intersects the range. The
// archive is organised as one object per day, so a range maps to the
// set of day files that could contain its rows.
func (r Range) Days() []time.Time {
	if r.IsZero() {
		return nil
	}
	day := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for day.Before(r.End) {
		out = append(out, day)
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// sub removes o from r, leaving up to two pieces.
func (r Range) sub(o Range) []Range {
	if !r.Overlaps(o) {
		return []Range{r}
	}
	var out []Range
	if r.Start.Before(o.Start) {
		out = append(out, Range{Start: r.Start, End: o.Start})
	}
	if o.End.Before(r.End) {
		out = append(out, Range{Start: o.End, End: r.End})
	}
	return out
}

// Set is a normalized run of disjoint ranges in ascending order.
type Set struct {
	ranges []Range
}

// NewSet normalizes the inputs: zero ranges dropped, overlaps and
// touching neighbours merged.
func NewSet(ranges ...Range) Set {
	kept := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsZero() {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start.Before(kept[j].Start) })
	var out []Range
	for _, r := range kept {
		if n := len(out); n > 0 && !r.Start.After(out[n-1].End) {
			if r.End.After(out[n-1].End) {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return Set{ranges: out}
}

func (s Set) IsEmpty() bool { return len(s.ranges) == 0 }

func (s Set) Len() int { return len(s.ranges) }

// Ranges returns a copy so callers cannot break normalization.
func (s Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Sub removes every part of o from s.
func (s Set) Sub(o Set) Set {
	if s.IsEmpty() || o.IsEmpty() {
		return s
	}
	var out []Range
	for _, a := range s.ranges {
		pieces := []Range{a}
		for _, b := range o.ranges {
			var next []Range
			for _, p := range pieces {
				next = append(next, p.sub(b)...)
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return NewSet(out...)
}

// Union merges two sets.
func (s Set) Union(o Set) Set {
	return NewSet(append(s.Ranges(), o.Ranges()...)...)
}

// Intersect clips the set to the window w.
func (s Set) Intersect(w Range) Set {
	if s.IsEmpty() || w.IsZero() {
		return Set{}
	}
	var out []Range
	for _, r := range s.ranges {
		if c := r.Intersect(w); !c.IsZero() {
			out = append(out, c)
		}
	}
	return Set{ranges: out}
}

// TotalPoints counts the grid points the set spans, used for progress
// reporting and page estimates.
func (s Set) TotalPoints(iv timegrid.Interval) int {
	total := 0
	for _, r := range s.ranges {
		total += timegrid.GridCount(r.Start, r.End, iv)
	}
	return total
}

// Days lists the distinct UTC days the set touches, ascending.
func (s Set) Days() []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, r := range s.ranges {
		for _, d := range r.Days() {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s Set) String() string {
	if s.IsEmpty() {
		return "{}"
	}
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Missing computes the unresolved stretches of req given the open
// times already in hand. present must be ascending and grid aligned,
// which a validated frame guarantees. The result only ever shrinks as
// stages contribute rows: resolved points never reappear.
func Missing(req Range, present []time.Time, iv timegrid.Interval) Set {
	start := timegrid.Ceil(req.Start, iv)
	if !start.Before(req.End) {
		return Set{}
	}
	var out []Range
	cursor := start
	for _, ts := range present {
		if ts.Before(cursor) {
			continue
		}
		if !ts.Before(req.End) {
			break
		}
		if ts.After(cursor) {
			out = append(out, Range{Start: cursor, End: ts})
		}
		cursor = iv.Step(ts)
	}
	if cursor.Before(req.End) {
		out = append(out, Range{Start: cursor, End: req.End})
	}
	return Set{ranges: out}
}
