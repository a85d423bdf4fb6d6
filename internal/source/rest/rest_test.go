package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/net/ratelimit"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

// klinesHandler emulates the provider: generates 1h bars between the
// startTime/endTime millisecond params, capped at limit.
func klinesHandler(iv timegrid.Interval) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		var rows []string
		open := time.UnixMilli(start).UTC()
		for len(rows) < limit && open.UnixMilli() <= end {
			closeTs := iv.Step(open).Add(-time.Millisecond)
			rows = append(rows, fmt.Sprintf(
				`[%d,"100.1","101.2","99.3","100.9","12.5",%d,"1250.75",42,"6.25","625.5","0"]`,
				open.UnixMilli(), closeTs.UnixMilli()))
			open = iv.Step(open)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	}
}

func testCaps(primary string, backups ...string) market.Capabilities {
	return market.Capabilities{
		PrimaryEndpoint: primary,
		BackupEndpoints: backups,
		APIPrefix:       "api",
		APIVersion:      "v3",
		MaxPageRows:     1000,
		WeightPerMinute: 1200,
	}
}

// newTestClient wires a client whose endpoint pool is the given
// test servers and whose clock is pinned far past the data.
func newTestClient(t *testing.T, caps market.Capabilities) *Client {
	t.Helper()
	c := New(Options{
		Config: config.RESTConfig{
			Concurrency: 4,
			MaxPages:    10,
			MaxRetries:  1,
			TimeoutSecs: 5,
			BackoffMS:   config.BackoffConfig{Base: 1, Max: 5},
		},
		Budget:  config.BudgetConfig{DailyRequests: 100000, WarnThreshold: 0.9},
		Limiter: ratelimit.New(1000, 1000),
		Logger:  zerolog.Nop(),
	})
	c.now = func() time.Time { return at(2030, 1, 1, 0) }
	c.capsFor = func(market.Type) market.Capabilities { return caps }
	return c
}

func reqFor(symbol string, iv timegrid.Interval, from, to time.Time) source.Request {
	return source.Request{
		Market:   market.Spot,
		Symbol:   symbol,
		Interval: iv,
		Missing:  rangeset.NewSet(rangeset.Range{Start: from, End: to}),
	}
}

func TestFetchSinglePage(t *testing.T) {
	srv := httptest.NewServer(klinesHandler(timegrid.Hour1))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	from, to := at(2024, 3, 10, 0), at(2024, 3, 11, 0)
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Hour1, from, to))

	require.NoError(t, res.Err)
	assert.Equal(t, source.StatusFulfilled, res.Status)
	require.NotNil(t, res.Frame)
	assert.Equal(t, 24, res.Frame.Len())
	require.NoError(t, res.Frame.Validate())
	assert.Equal(t, 24, res.Frame.OriginCounts()[frame.OriginREST])

	first := res.Frame.Rows[0]
	assert.Equal(t, from, first.OpenTime)
	assert.Equal(t, from.Add(time.Hour).Add(-time.Microsecond), first.CloseTime)
	assert.Equal(t, 1250.75, first.QuoteVolume)
	assert.Equal(t, int64(42), first.Trades)
}

func TestFetchPagesLargeRange(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		klinesHandler(timegrid.Minute1)(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	// 2500 minutes: three pages of at most 1000 rows
	from := at(2024, 3, 10, 0)
	to := from.Add(2500 * time.Minute)
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Minute1, from, to))

	require.NoError(t, res.Err)
	assert.Equal(t, source.StatusFulfilled, res.Status)
	assert.Equal(t, 2500, res.Frame.Len())
	assert.Equal(t, int64(3), hits.Load())
	require.NoError(t, res.Frame.Validate())
}

func TestFetchTruncatesAtPageCap(t *testing.T) {
	srv := httptest.NewServer(klinesHandler(timegrid.Minute1))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	c.cfg.MaxPages = 2
	from := at(2024, 3, 10, 0)
	to := from.Add(2500 * time.Minute)
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Minute1, from, to))

	require.NoError(t, res.Err)
	assert.Equal(t, source.StatusPartial, res.Status)
	assert.Equal(t, 2000, res.Frame.Len())
}

func TestFetchDropsFormingBar(t *testing.T) {
	srv := httptest.NewServer(klinesHandler(timegrid.Hour1))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	// Klines for 10:00-14:00 requested at 13:30: the 13:00 bar is
	// still forming and must not appear.
	c.now = func() time.Time { return at(2024, 3, 10, 13).Add(30 * time.Minute) }
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Hour1, at(2024, 3, 10, 10), at(2024, 3, 10, 14)))

	require.NoError(t, res.Err)
	require.NotNil(t, res.Frame)
	assert.Equal(t, 3, res.Frame.Len())
	assert.Equal(t, at(2024, 3, 10, 12), res.Frame.Last())
}

func TestFetchRotatesToBackupOnRateLimit(t *testing.T) {
	var primaryHits, backupHits atomic.Int64
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHits.Add(1)
		klinesHandler(timegrid.Hour1)(w, r)
	}))
	defer backup.Close()

	c := newTestClient(t, testCaps(primary.URL, backup.URL))
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Hour1, at(2024, 3, 10, 0), at(2024, 3, 11, 0)))

	require.NoError(t, res.Err)
	assert.Equal(t, source.StatusFulfilled, res.Status)
	assert.Equal(t, 24, res.Frame.Len())
	assert.Equal(t, int64(1), primaryHits.Load())
	assert.Equal(t, int64(1), backupHits.Load())
}

func TestFetchRefetchesTornPayload(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, `[[1710028800000,"100.1","101.2","99.`) // cut mid-row
			return
		}
		klinesHandler(timegrid.Hour1)(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Hour1, at(2024, 3, 10, 0), at(2024, 3, 11, 0)))

	require.NoError(t, res.Err)
	assert.Equal(t, source.StatusFulfilled, res.Status)
	assert.Equal(t, 24, res.Frame.Len())
	assert.Equal(t, int64(2), hits.Load())
}

func TestFetchFailsWhenAllHostsFrozen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Hour1, at(2024, 3, 10, 0), at(2024, 3, 11, 0)))

	assert.Equal(t, source.StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, fcperr.KindRateLimited, fcperr.KindOf(res.Err))
}

func TestFetchProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	res := c.Fetch(context.Background(), reqFor("NOPEUSDT", timegrid.Hour1, at(2024, 3, 10, 0), at(2024, 3, 11, 0)))

	assert.Equal(t, source.StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, fcperr.KindPermanent, fcperr.KindOf(res.Err))
	assert.Contains(t, res.Err.Error(), "Invalid symbol")
}

func TestFetchBudgetExhaustedAborts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		klinesHandler(timegrid.Minute1)(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, testCaps(srv.URL))
	c.budgetCfg.DailyRequests = 1
	c.cfg.Concurrency = 1

	from := at(2024, 3, 10, 0)
	to := from.Add(2500 * time.Minute) // needs three pages, budget covers one
	res := c.Fetch(context.Background(), reqFor("BTCUSDT", timegrid.Minute1, from, to))

	assert.Equal(t, source.StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, fcperr.KindRateLimited, fcperr.KindOf(res.Err))
	assert.Equal(t, int64(1), hits.Load())
	// rows from the page that did land are still usable
	require.NotNil(t, res.Frame)
	assert.Equal(t, 1000, res.Frame.Len())
}

func TestPlanChunks(t *testing.T) {
	from := at(2024, 3, 10, 0)

	t.Run("single page", func(t *testing.T) {
		chunks, truncated := planChunks(
			rangeset.NewSet(rangeset.Range{Start: from, End: from.Add(500 * time.Minute)}),
			timegrid.Minute1, 1000, 10)
		require.Len(t, chunks, 1)
		assert.False(t, truncated)
		assert.Equal(t, from, chunks[0].Start)
		assert.Equal(t, from.Add(500*time.Minute), chunks[0].End)
	})

	t.Run("splits and truncates", func(t *testing.T) {
		chunks, truncated := planChunks(
			rangeset.NewSet(rangeset.Range{Start: from, End: from.Add(2500 * time.Minute)}),
			timegrid.Minute1, 1000, 2)
		require.Len(t, chunks, 2)
		assert.True(t, truncated)
		assert.Equal(t, from.Add(1000*time.Minute), chunks[0].End)
		assert.Equal(t, from.Add(2000*time.Minute), chunks[1].End)
	})

	t.Run("unaligned start is ceiled", func(t *testing.T) {
		chunks, _ := planChunks(
			rangeset.NewSet(rangeset.Range{Start: from.Add(30 * time.Second), End: from.Add(10 * time.Minute)}),
			timegrid.Minute1, 1000, 10)
		require.Len(t, chunks, 1)
		assert.Equal(t, from.Add(time.Minute), chunks[0].Start)
	})

	t.Run("calendar months step by calendar", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
		chunks, truncated := planChunks(
			rangeset.NewSet(rangeset.Range{Start: start, End: end}),
			timegrid.Month1, 2, 10)
		require.Len(t, chunks, 3)
		assert.False(t, truncated)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), chunks[0].End)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), chunks[1].End)
		assert.Equal(t, end, chunks[2].End)
	})
}

func TestKlinesURL(t *testing.T) {
	caps := testCaps("https://api.example.com")
	req := reqFor("BTCUSDT", timegrid.Hour1, time.Time{}, time.Time{})
	chunk := rangeset.Range{Start: at(2024, 3, 10, 0), End: at(2024, 3, 11, 0)}

	u := klinesURL("https://api.example.com", caps, req, chunk)
	assert.True(t, strings.HasPrefix(u, "https://api.example.com/api/v3/klines?"))
	assert.Contains(t, u, "symbol=BTCUSDT")
	assert.Contains(t, u, "interval=1h")
	assert.Contains(t, u, "startTime=1710028800000")
	// inclusive endTime: one millisecond before the half-open end
	assert.Contains(t, u, "endTime=1710115199999")
	assert.Contains(t, u, "limit=1000")
}

func TestParseKlines(t *testing.T) {
	now := at(2030, 1, 1, 0)
	req := reqFor("BTCUSDT", timegrid.Hour1, time.Time{}, time.Time{})

	t.Run("microsecond timestamps", func(t *testing.T) {
		open := at(2025, 6, 1, 0)
		payload := fmt.Sprintf(`[[%d,"1","2","0.5","1.5","10",0,"15",7,"5","7.5","0"]]`, open.UnixMicro())
		f, err := parseKlines([]byte(payload), req, now)
		require.NoError(t, err)
		require.Equal(t, 1, f.Len())
		assert.Equal(t, open, f.Rows[0].OpenTime)
		assert.Equal(t, int64(7), f.Rows[0].Trades)
	})

	t.Run("empty payload", func(t *testing.T) {
		f, err := parseKlines([]byte(`[]`), req, now)
		require.NoError(t, err)
		assert.True(t, f.Empty())
	})

	t.Run("garbage payload", func(t *testing.T) {
		_, err := parseKlines([]byte(`{"not":"klines"}`), req, now)
		require.Error(t, err)
		assert.Equal(t, fcperr.KindPermanent, fcperr.KindOf(err))
	})

	t.Run("short record", func(t *testing.T) {
		_, err := parseKlines([]byte(`[[1710028800000,"1","2"]]`), req, now)
		require.Error(t, err)
	})
}

func TestParseAPIError(t *testing.T) {
	e := parseAPIError([]byte(`{"code":-1121,"msg":"Invalid symbol."}`), 400)
	assert.Equal(t, -1121, e.Code)
	assert.Equal(t, "Invalid symbol.", e.Msg)

	e = parseAPIError([]byte("<html>teapot</html>"), 418)
	assert.Equal(t, 418, e.Code)
	assert.Equal(t, "I'm a teapot", e.Msg)
}

func TestCanServeAndWindow(t *testing.T) {
	c := newTestClient(t, testCaps("https://api.example.com"))
	assert.True(t, c.CanServe(market.Spot, timegrid.Second1))
	assert.True(t, c.CanServe(market.Spot, timegrid.Month1))
	assert.False(t, c.CanServe(market.FuturesUSDT, timegrid.Second1))

	w := c.Window(at(2024, 3, 10, 12))
	assert.Equal(t, at(2024, 3, 10, 12), w.End)
}

var _ source.Source = (*Client)(nil)
