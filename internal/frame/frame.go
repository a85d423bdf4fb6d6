// Package frame holds the canonical kline representation shared by the
// cache, the archive and REST clients, and the merge stage. Everything
// downstream assumes a frame that passed Validate: strictly increasing
// grid-aligned UTC open times, no duplicates, no NaN payloads.
package frame

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// Origin tags each row with the stage that produced it. Higher
// authority wins when the merge sees the same open time twice.
type Origin string

const (
	OriginCache  Origin = "CACHE"
	OriginVision Origin = "VISION"
	OriginREST   Origin = "REST"
)

// Authority ranks origins for conflict resolution. Fresh REST data
// supersedes archive data, which supersedes cached copies.
func (o Origin) Authority() int {
	switch o {
	case OriginREST:
		return 3
	case OriginVision:
		return 2
	case OriginCache:
		return 1
	default:
		return 0
	}
}

// Kline is one canonical bar. CloseTime is derived, never trusted from
// the provider: open time plus one interval step minus a microsecond.
type Kline struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           time.Time
	QuoteVolume         float64
	Trades              int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
	Origin              Origin
}

// Frame is an ordered run of klines for one symbol and interval.
type Frame struct {
	Market   market.Type
	Symbol   string
	Interval timegrid.Interval
	Rows     []Kline
}

// New returns an empty frame carrying identity only.
func New(mkt market.Type, symbol string, iv timegrid.Interval) *Frame {
	return &Frame{Market: mkt, Symbol: symbol, Interval: iv}
}

func (f *Frame) Len() int { return len(f.Rows) }

func (f *Frame) Empty() bool { return f == nil || len(f.Rows) == 0 }

// First returns the earliest open time. Zero time on an empty frame.
func (f *Frame) First() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Rows[0].OpenTime
}

// Last returns the latest open time. Zero time on an empty frame.
func (f *Frame) Last() time.Time {
	if f.Empty() {
		return time.Time{}
	}
	return f.Rows[len(f.Rows)-1].OpenTime
}

// OpenTimes returns the open-time column for range arithmetic.
func (f *Frame) OpenTimes() []time.Time {
	if f.Empty() {
		return nil
	}
	ts := make([]time.Time, len(f.Rows))
	for i, r := range f.Rows {
		ts[i] = r.OpenTime
	}
	return ts
}

// Append adds a row without re-sorting. Callers batching unsorted rows
// must Normalize before handing the frame to anyone else.
func (f *Frame) Append(k Kline) { f.Rows = append(f.Rows, k) }

// Normalize sorts by open time and collapses duplicates, keeping the
// row with the highest origin authority; on a tie the later append
// wins. This is the merge rule: frames are concatenated in
// cache, archive, REST order, so recency and authority agree.
func (f *Frame) Normalize() {
	if f.Empty() {
		return
	}
	sort.SliceStable(f.Rows, func(i, j int) bool {
		return f.Rows[i].OpenTime.Before(f.Rows[j].OpenTime)
	})
	out := f.Rows[:0]
	for _, r := range f.Rows {
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(r.OpenTime) {
			if r.Origin.Authority() >= out[n-1].Origin.Authority() {
				out[n-1] = r
			}
			continue
		}
		out = append(out, r)
	}
	f.Rows = out
}

// Concat merges frames into a new normalized frame. Identity comes
// from the first non-nil frame; nil inputs are skipped.
func Concat(frames ...*Frame) *Frame {
	var merged *Frame
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		if merged == nil {
			merged = New(fr.Market, fr.Symbol, fr.Interval)
		}
		merged.Rows = append(merged.Rows, fr.Rows...)
	}
	if merged == nil {
		return &Frame{}
	}
	merged.Normalize()
	return merged
}

// FilterRange keeps rows with open time in [from, to).
func (f *Frame) FilterRange(from, to time.Time) *Frame {
	out := New(f.Market, f.Symbol, f.Interval)
	for _, r := range f.Rows {
		if r.OpenTime.Before(from) || !r.OpenTime.Before(to) {
			continue
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// WithOrigin stamps every row, used by stages that load untagged data.
func (f *Frame) WithOrigin(o Origin) *Frame {
	for i := range f.Rows {
		f.Rows[i].Origin = o
	}
	return f
}

// OriginCounts reports rows per producing stage for the fetch report.
func (f *Frame) OriginCounts() map[Origin]int {
	counts := make(map[Origin]int)
	for _, r := range f.Rows {
		counts[r.Origin]++
	}
	return counts
}

// Clone deep-copies the frame so callers can mutate independently.
func (f *Frame) Clone() *Frame {
	out := New(f.Market, f.Symbol, f.Interval)
	out.Rows = append(out.Rows, f.Rows...)
	return out
}

// Validate enforces the canonical form. Any violation is a schema
// error: the pipeline refuses to return a frame it cannot vouch for.
func (f *Frame) Validate() error {
	if f == nil {
		return fcperr.New(fcperr.KindSchema, "frame.validate", "nil frame")
	}
	var prev time.Time
	for i, r := range f.Rows {
		if r.OpenTime.Location() != time.UTC {
			return fcperr.New(fcperr.KindSchema, "frame.validate",
				"row %d: open time not UTC", i)
		}
		if !timegrid.Aligned(r.OpenTime, f.Interval) {
			return fcperr.New(fcperr.KindSchema, "frame.validate",
				"row %d: open time %s off the %s grid", i, r.OpenTime.Format(time.RFC3339), f.Interval)
		}
		if i > 0 && !r.OpenTime.After(prev) {
			return fcperr.New(fcperr.KindSchema, "frame.validate",
				"row %d: open time %s not strictly after %s", i,
				r.OpenTime.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		if err := checkPayload(i, r); err != nil {
			return err
		}
		if want := timegrid.CloseTime(r.OpenTime, f.Interval); !r.CloseTime.Equal(want) {
			return fcperr.New(fcperr.KindSchema, "frame.validate",
				"row %d: close time %s, want %s", i,
				r.CloseTime.Format(time.RFC3339Nano), want.Format(time.RFC3339Nano))
		}
		prev = r.OpenTime
	}
	return nil
}

var payloadNames = [...]string{
	"open", "high", "low", "close", "volume",
	"quote_volume", "taker_buy_volume", "taker_buy_quote_volume",
}

func checkPayload(i int, r Kline) error {
	values := [...]float64{
		r.Open, r.High, r.Low, r.Close, r.Volume,
		r.QuoteVolume, r.TakerBuyVolume, r.TakerBuyQuoteVolume,
	}
	for j, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fcperr.New(fcperr.KindSchema, "frame.validate",
				"row %d: %s is not finite", i, payloadNames[j])
		}
	}
	if r.Trades < 0 {
		return fcperr.New(fcperr.KindSchema, "frame.validate",
			"row %d: negative trade count %d", i, r.Trades)
	}
	return nil
}

// String summarises the frame for log fields.
func (f *Frame) String() string {
	if f.Empty() {
		return fmt.Sprintf("%s %s %s: empty", f.Market, f.Symbol, f.Interval)
	}
	return fmt.Sprintf("%s %s %s: %d rows [%s .. %s]",
		f.Market, f.Symbol, f.Interval, len(f.Rows),
		f.First().Format(time.RFC3339), f.Last().Format(time.RFC3339))
}
