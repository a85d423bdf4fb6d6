package fcp

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/timegrid"
	"github.com/candlekeep/klinevault/internal/vault"
)

// fakeSource scripts one stage and records what it was asked for.
type fakeSource struct {
	name    string
	origin  frame.Origin
	serves  bool
	window  rangeset.Range
	persist bool
	result  func(req source.Request) source.Result

	calls []source.Request
}

func (f *fakeSource) Name() string                                 { return f.name }
func (f *fakeSource) Origin() frame.Origin                         { return f.origin }
func (f *fakeSource) CanServe(market.Type, timegrid.Interval) bool { return f.serves }
func (f *fakeSource) Window(time.Time) rangeset.Range              { return f.window }
func (f *fakeSource) Persist() bool                                { return f.persist }
func (f *fakeSource) Fetch(_ context.Context, req source.Request) source.Result {
	f.calls = append(f.calls, req)
	return f.result(req)
}

var (
	mar10   = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func wideWindow() rangeset.Range {
	return rangeset.Range{Start: time.Unix(0, 0).UTC(), End: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// frameSpan builds hourly rows from start.
func frameSpan(start time.Time, hours int, price float64, origin frame.Origin) *frame.Frame {
	f := frame.New(market.Spot, "BTCUSDT", timegrid.Hour1)
	for i := 0; i < hours; i++ {
		open := start.Add(time.Duration(i) * time.Hour)
		f.Append(frame.Kline{
			OpenTime:            open,
			Open:                price,
			High:                price + 1,
			Low:                 price - 1,
			Close:               price,
			Volume:              1,
			CloseTime:           timegrid.CloseTime(open, timegrid.Hour1),
			QuoteVolume:         10,
			Trades:              5,
			TakerBuyVolume:      0.5,
			TakerBuyQuoteVolume: 5,
			Origin:              origin,
		})
	}
	return f
}

// serveMissing answers every grid point the request asks for.
func serveMissing(origin frame.Origin, price float64) func(source.Request) source.Result {
	return func(req source.Request) source.Result {
		f := frame.New(req.Market, req.Symbol, req.Interval)
		for _, r := range req.Missing.Ranges() {
			cur := timegrid.Ceil(r.Start, req.Interval)
			for cur.Before(r.End) {
				f.Append(frame.Kline{
					OpenTime:            cur,
					Open:                price,
					High:                price + 1,
					Low:                 price - 1,
					Close:               price,
					Volume:              1,
					CloseTime:           timegrid.CloseTime(cur, req.Interval),
					QuoteVolume:         10,
					Trades:              5,
					TakerBuyVolume:      0.5,
					TakerBuyQuoteVolume: 5,
					Origin:              origin,
				})
				cur = req.Interval.Step(cur)
			}
		}
		f.Normalize()
		return source.Result{Frame: f, Status: source.StatusFulfilled}
	}
}

func newStore(t *testing.T) *vault.Store {
	t.Helper()
	s, err := vault.Open(config.CacheConfig{
		Dir: t.TempDir(), Enabled: true, MaxAgeDays: 30, MinFileSize: 64,
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	return s
}

func newPipeline(store *vault.Store, srcs ...source.Source) *Pipeline {
	p := New(Options{Store: store, Sources: srcs, Logger: zerolog.Nop()})
	p.now = func() time.Time { return testNow }
	return p
}

func hourReq(from, to time.Time) Request {
	return Request{
		Market:      market.Spot,
		Symbol:      "BTCUSDT",
		Interval:    timegrid.Hour1,
		Range:       rangeset.Range{Start: from, End: to},
		UseCache:    true,
		Enforce:     EnforceAny,
		DropForming: true,
	}
}

func TestRunServesFromVisionThenFromCache(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(), persist: true,
		result: serveMissing(frame.OriginVision, 100),
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(store, vision, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.NotEmpty(t, rep.ID)
	require.NotNil(t, f)
	assert.Equal(t, 24, f.Len())
	require.NoError(t, f.Validate())
	assert.Equal(t, 24, rep.Origins[frame.OriginVision])
	assert.Empty(t, rest.calls, "rest never needed")
	assert.True(t, rep.Missing.IsEmpty())

	require.Len(t, rep.Stages, 2)
	assert.Equal(t, "cache", rep.Stages[0].Source)
	assert.Equal(t, 0, rep.Stages[0].Rows)
	assert.Equal(t, "vision", rep.Stages[1].Source)
	assert.Equal(t, source.StatusFulfilled, rep.Stages[1].Status)
	assert.Equal(t, 24, rep.Stages[1].Rows)

	// The archive rows were written back: a repeat run is a pure cache
	// hit with identical rows.
	vision.calls = nil
	f2, rep2, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, 24, f2.Len())
	assert.Equal(t, 24, rep2.Origins[frame.OriginCache])
	assert.Empty(t, vision.calls, "repeat call never leaves the cache")
	assert.Equal(t, f.OpenTimes(), f2.OpenTimes())
}

func TestRunFallsThroughToREST(t *testing.T) {
	ctx := context.Background()
	cut := mar10.AddDate(0, 0, 1) // archive has published only the first day
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: rangeset.Range{Start: time.Unix(0, 0).UTC(), End: cut},
		result: serveMissing(frame.OriginVision, 100),
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(newStore(t), vision, rest)

	to := mar10.AddDate(0, 0, 2)
	f, rep, err := p.Run(ctx, hourReq(mar10, to))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 48, f.Len())
	require.NoError(t, f.Validate(), "no duplicates at the stage boundary")
	assert.Equal(t, 24, rep.Origins[frame.OriginVision])
	assert.Equal(t, 24, rep.Origins[frame.OriginREST])

	require.Len(t, vision.calls, 1)
	assert.Equal(t, rangeset.NewSet(rangeset.Range{Start: mar10, End: cut}), vision.calls[0].Missing)
	require.Len(t, rest.calls, 1)
	assert.Equal(t, rangeset.NewSet(rangeset.Range{Start: cut, End: to}), rest.calls[0].Missing)
}

func TestRunFresherSourceWinsOverlap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, frameSpan(mar10, 12, 100, frame.OriginVision)))

	// The archive hands back the whole day file even though only the
	// second half was missing.
	fullDay := frameSpan(mar10, 24, 200, frame.OriginVision)
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			return source.Result{Frame: fullDay, Status: source.StatusFulfilled}
		},
	}
	p := newPipeline(store, vision)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, rep.Outcome)
	require.Equal(t, 24, f.Len())
	for _, r := range f.Rows {
		assert.Equal(t, 200.0, r.Open, "archive row beats the cached copy at %s", r.OpenTime)
	}
}

func TestRunNotPublishedFallsToREST(t *testing.T) {
	ctx := context.Background()
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(),
		result: func(req source.Request) source.Result {
			return source.Result{
				Status:       source.StatusPartial,
				NotPublished: req.Missing.Days(),
			}
		},
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(nil, vision, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 24, f.Len())
	assert.Equal(t, 24, rep.Origins[frame.OriginREST])
	require.Len(t, rep.NotPublished, 1)
	assert.Equal(t, mar10, rep.NotPublished[0])
}

func TestRunPermanentGapIsAccepted(t *testing.T) {
	ctx := context.Background()
	day2 := mar10.AddDate(0, 0, 1)
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			return source.Result{
				Frame:         frameSpan(day2, 24, 100, frame.OriginVision),
				Status:        source.StatusPartial,
				PermanentGaps: rangeset.NewSet(rangeset.Range{Start: mar10, End: day2}),
			}
		},
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			// The exchange has nothing there either: empty is a valid answer.
			return source.Result{Status: source.StatusFulfilled}
		},
	}
	p := newPipeline(nil, vision, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, day2.AddDate(0, 0, 1)))
	require.NoError(t, err, "a gap no stage can fill is not an error")
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 24, f.Len())
	assert.Equal(t, day2, f.First())

	require.Len(t, rest.calls, 1)
	assert.Equal(t, rangeset.NewSet(rangeset.Range{Start: mar10, End: day2}), rest.calls[0].Missing)
	assert.Equal(t, 1, rep.PermanentGaps.Len())
	assert.Equal(t, 24, rep.Missing.TotalPoints(timegrid.Hour1))
}

func TestRunRateLimitAborts(t *testing.T) {
	ctx := context.Background()
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			err := &fcperr.RateLimitedError{RetryAfter: time.Minute, StatusCode: 429, Host: "api.example.com"}
			return source.Result{Status: source.StatusFailed, Err: err}
		},
	}
	p := newPipeline(nil, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.Error(t, err)
	assert.Equal(t, fcperr.KindRateLimited, fcperr.KindOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Nil(t, f)
}

func TestRunTransientStageFailureContinues(t *testing.T) {
	ctx := context.Background()
	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			return source.Result{
				Status: source.StatusFailed,
				Err:    fcperr.New(fcperr.KindTransient, "vision.fetch", "archive unreachable"),
			}
		},
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(nil, vision, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err, "the next stage covers a failed one")
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 24, f.Len())
	assert.Equal(t, 24, rep.Origins[frame.OriginREST])
	assert.Equal(t, source.StatusFailed, rep.Stages[0].Status)
	assert.NotEmpty(t, rep.Stages[0].Err)
}

func TestRunEnforceRESTSkipsOtherStages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, frameSpan(mar10, 24, 100, frame.OriginVision)))

	vision := &fakeSource{
		name: "vision", origin: frame.OriginVision, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginVision, 100),
	}
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(store, vision, rest)

	req := hourReq(mar10, mar10.AddDate(0, 0, 1))
	req.Enforce = EnforceREST
	f, rep, err := p.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 24, rep.Origins[frame.OriginREST])
	assert.Empty(t, vision.calls)
	require.Len(t, rep.Stages, 1)
	assert.Equal(t, "rest", rep.Stages[0].Source)
	assert.Equal(t, 200.0, f.Rows[0].Open)
}

func TestRunEnforceCacheNeverTouchesNetwork(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, frameSpan(mar10, 12, 100, frame.OriginVision)))

	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(store, rest)

	req := hourReq(mar10, mar10.AddDate(0, 0, 1))
	req.Enforce = EnforceCache
	f, rep, err := p.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 12, f.Len())
	assert.Empty(t, rest.calls)
	assert.Equal(t, 12, rep.Missing.TotalPoints(timegrid.Hour1))
}

func TestRunUseCacheFalseBypassesRead(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Put(ctx, frameSpan(mar10, 24, 100, frame.OriginVision)))

	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(store, rest)

	req := hourReq(mar10, mar10.AddDate(0, 0, 1))
	req.UseCache = false
	f, rep, err := p.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 24, rep.Origins[frame.OriginREST])
	assert.Equal(t, 200.0, f.Rows[0].Open, "cached copy was not consulted")
	for _, st := range rep.Stages {
		assert.NotEqual(t, "cache", st.Source)
	}
}

func TestRunWritebackFollowsPersistFlag(t *testing.T) {
	ctx := context.Background()
	key := vault.Key{Market: market.Spot, Symbol: "BTCUSDT", Interval: timegrid.Hour1}
	window := rangeset.Range{Start: mar10, End: mar10.AddDate(0, 0, 1)}

	for _, persist := range []bool{true, false} {
		store := newStore(t)
		rest := &fakeSource{
			name: "rest", origin: frame.OriginREST, serves: true,
			window: wideWindow(), persist: persist,
			result: serveMissing(frame.OriginREST, 200),
		}
		p := newPipeline(store, rest)

		_, _, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
		require.NoError(t, err)

		cached, err := store.Get(ctx, key, window)
		require.NoError(t, err)
		if persist {
			require.NotNil(t, cached, "persisting source must land in the cache")
			assert.Equal(t, 24, cached.Len())
		} else {
			assert.Nil(t, cached, "non-persisting source must not land in the cache")
		}
	}
}

func TestRunDropsFormingBar(t *testing.T) {
	ctx := context.Background()
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(nil, rest)
	p.now = func() time.Time { return mar10.Add(12*time.Hour + 30*time.Minute) }

	f, _, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, 12, f.Len(), "bars at and after the forming one are cut")
	assert.Equal(t, mar10.Add(11*time.Hour), f.Last())
}

func TestRunSchemaViolationIsFatal(t *testing.T) {
	ctx := context.Background()
	offGrid := frame.New(market.Spot, "BTCUSDT", timegrid.Hour1)
	offGrid.Append(frame.Kline{
		OpenTime:  mar10.Add(30 * time.Minute),
		Open:      1, High: 1, Low: 1, Close: 1,
		CloseTime: timegrid.CloseTime(mar10.Add(30*time.Minute), timegrid.Hour1),
		Origin:    frame.OriginREST,
	})
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			return source.Result{Frame: offGrid, Status: source.StatusFulfilled}
		},
	}
	p := newPipeline(nil, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.Error(t, err)
	assert.Equal(t, fcperr.KindSchema, fcperr.KindOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Nil(t, f)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: serveMissing(frame.OriginREST, 200),
	}
	p := newPipeline(nil, rest)

	f, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.Error(t, err)
	assert.Equal(t, fcperr.KindCancelled, fcperr.KindOf(err))
	assert.Equal(t, OutcomeCancelled, rep.Outcome)
	assert.Nil(t, f)
	assert.Empty(t, rest.calls)
}

func TestRunCancelledMidStage(t *testing.T) {
	ctx := context.Background()
	rest := &fakeSource{
		name: "rest", origin: frame.OriginREST, serves: true,
		window: wideWindow(),
		result: func(source.Request) source.Result {
			return source.Result{
				Status: source.StatusFailed,
				Err:    fcperr.Wrap(fcperr.KindCancelled, "rest.fetch", context.Canceled),
			}
		},
	}
	p := newPipeline(nil, rest)

	_, rep, err := p.Run(ctx, hourReq(mar10, mar10.AddDate(0, 0, 1)))
	require.Error(t, err)
	assert.Equal(t, fcperr.KindCancelled, fcperr.KindOf(err))
	assert.Equal(t, OutcomeCancelled, rep.Outcome)
}

func TestRunEmptyRangeRejected(t *testing.T) {
	p := newPipeline(nil)
	_, rep, err := p.Run(context.Background(), hourReq(mar10, mar10))
	require.Error(t, err)
	assert.Equal(t, fcperr.KindUserInput, fcperr.KindOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
}

func TestParseEnforce(t *testing.T) {
	for in, want := range map[string]Enforce{
		"any": EnforceAny, "ANY": EnforceAny,
		"cache": EnforceCache, "vision": EnforceVision, "rest": EnforceREST,
	} {
		got, err := ParseEnforce(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseEnforce("bogus")
	require.Error(t, err)
	assert.Equal(t, fcperr.KindUserInput, fcperr.KindOf(err))
}
