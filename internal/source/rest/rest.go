// Package rest implements the live-API stage. It is the only stage
// that spends request budget, so it runs last: by the time the
// pipeline gets here the cache and the archive have already taken
// everything they could.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/guards"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/net/budget"
	"github.com/candlekeep/klinevault/internal/net/ratelimit"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/telemetry"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// klineFields is the minimum element count of one raw kline record.
// A twelfth "ignore" element trails on current API versions.
const klineFields = 11

// Options configures a Client.
type Options struct {
	Config  config.RESTConfig
	Budget  config.BudgetConfig
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
	// Persist enables cache writeback for live rows. Off by default:
	// rows close to real time may still be revised by the provider.
	Persist bool
}

// Client fetches klines from the provider's REST API, rotating across
// its endpoint pool and respecting the daily request budget.
type Client struct {
	cfg        config.RESTConfig
	budgetCfg  config.BudgetConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	budgets    *budget.Manager
	metrics    *telemetry.Metrics
	persist    bool
	log        zerolog.Logger

	now     func() time.Time
	capsFor func(market.Type) market.Capabilities

	mu         sync.Mutex
	transports map[market.Type]*guards.Transport
	cursor     map[market.Type]int
}

// New builds a REST client. Each market surface gets its own guarded
// transport lazily: the surfaces run on separate host pools with
// separate breakers and budgets.
func New(opts Options) *Client {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(20, 40)
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Config.GetRequestTimeout()}
	}
	return &Client{
		cfg:        opts.Config,
		budgetCfg:  opts.Budget,
		httpClient: httpClient,
		limiter:    limiter,
		budgets:    budget.NewManager(),
		metrics:    opts.Metrics,
		persist:    opts.Persist,
		log:        opts.Logger.With().Str("source", "rest").Logger(),
		now:        time.Now,
		capsFor:    market.CapabilitiesOf,
		transports: make(map[market.Type]*guards.Transport),
		cursor:     make(map[market.Type]int),
	}
}

func (c *Client) Name() string { return "rest" }

func (c *Client) Origin() frame.Origin { return frame.OriginREST }

func (c *Client) Persist() bool { return c.persist }

func (c *Client) CanServe(mkt market.Type, iv timegrid.Interval) bool {
	return mkt.Supports(iv)
}

// Window is everything up to now; the still-forming bar is dropped at
// parse time.
func (c *Client) Window(now time.Time) rangeset.Range {
	return rangeset.Range{Start: time.Unix(0, 0).UTC(), End: now.UTC()}
}

// Budgets exposes per-surface budget stats for the stats endpoint.
func (c *Client) Budgets() map[string]budget.Stats {
	return c.budgets.Stats()
}

// Fetch retrieves the missing ranges as fixed-size pages, fanned out
// across the endpoint pool. Transient page failures degrade the result
// to partial; throttling, budget exhaustion and provider rejections
// abort the stage.
func (c *Client) Fetch(ctx context.Context, req source.Request) source.Result {
	caps := c.capsFor(req.Market)
	chunks, truncated := planChunks(req.Missing, req.Interval, caps.MaxPageRows, c.cfg.MaxPages)
	if len(chunks) == 0 {
		return source.Result{Status: source.StatusSkipped}
	}
	if truncated {
		c.log.Warn().
			Str("symbol", req.Symbol).
			Str("interval", req.Interval.String()).
			Int("page_cap", c.cfg.MaxPages).
			Msg("request exceeds page cap, tail left unresolved")
	}

	results := make([]*frame.Frame, len(chunks))
	chunkErrs := make([]error, len(chunks))

	conc := c.cfg.Concurrency
	if conc <= 0 {
		conc = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			f, err := c.fetchChunk(gctx, req, caps, chunk)
			if err != nil {
				if fcperr.KindOf(err) == fcperr.KindTransient {
					c.log.Warn().Err(err).
						Str("symbol", req.Symbol).
						Stringer("range", chunk).
						Msg("page failed")
					chunkErrs[i] = err
					return nil
				}
				return err
			}
			results[i] = f
			return nil
		})
	}
	waitErr := g.Wait()

	var parts []*frame.Frame
	for _, f := range results {
		if f != nil {
			parts = append(parts, f)
		}
	}
	var merged *frame.Frame
	if len(parts) > 0 {
		merged = frame.Concat(parts...)
	}

	failures := 0
	var firstErr error
	for _, err := range chunkErrs {
		if err == nil {
			continue
		}
		failures++
		if firstErr == nil {
			firstErr = err
		}
	}

	res := source.Result{Frame: merged}
	switch {
	case waitErr != nil:
		res.Status = source.StatusFailed
		res.Err = waitErr
	case failures == len(chunks):
		res.Status = source.StatusFailed
		res.Err = firstErr
	case failures == 0 && !truncated:
		res.Status = source.StatusFulfilled
	default:
		res.Status = source.StatusPartial
	}
	return res
}

// fetchChunk downloads one page, rotating to the next endpoint when
// the current one is throttled or failing. It returns an error only
// when every endpoint has been ruled out.
func (c *Client) fetchChunk(ctx context.Context, req source.Request, caps market.Capabilities, chunk rangeset.Range) (*frame.Frame, error) {
	t := c.transportFor(req.Market)
	hosts, err := c.hostOrder(req.Market, caps)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, base := range hosts {
		resp, err := t.Get(ctx, klinesURL(base, caps, req, chunk))
		if err != nil {
			switch fcperr.KindOf(err) {
			case fcperr.KindRateLimited, fcperr.KindTransient:
				c.rotate(req.Market, caps)
				lastErr = err
				continue
			default:
				return nil, err
			}
		}
		if resp.StatusCode == http.StatusOK {
			f, perr := parseKlines(resp.Data, req, c.now())
			if perr == nil {
				return f, nil
			}
			// A body torn in transit decodes as garbage even on a 200.
			// Refetch the page once before treating the failure as real.
			c.log.Warn().Str("host", resp.Host).Msg("kline payload unparsable, refetching")
			retry, rerr := t.Get(ctx, klinesURL(base, caps, req, chunk))
			if rerr == nil && retry.StatusCode == http.StatusOK {
				return parseKlines(retry.Data, req, c.now())
			}
			return nil, perr
		}
		apiErr := parseAPIError(resp.Data, resp.StatusCode)
		return nil, fcperr.New(fcperr.KindPermanent, "rest.fetch",
			"provider rejected request: %s", apiErr).
			With("host", resp.Host).
			With("status", strconv.Itoa(resp.StatusCode))
	}
	return nil, lastErr
}

// transportFor lazily builds the guarded transport for a market
// surface, wiring in its budget tracker and weight allowance.
func (c *Client) transportFor(mkt market.Type) *guards.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[mkt]; ok {
		return t
	}
	caps := c.capsFor(mkt)
	tracker := c.budgets.Track(mkt.String(), int64(c.budgetCfg.DailyRequests),
		c.budgetCfg.ResetHour, c.budgetCfg.WarnThreshold)
	tracker.SetWeightLimit(int64(caps.WeightPerMinute))
	t := guards.New(guards.Options{
		Name:        "rest",
		Client:      c.httpClient,
		Limiter:     c.limiter,
		Budget:      tracker,
		MaxRetries:  c.cfg.MaxRetries,
		BackoffBase: c.cfg.GetBaseBackoff(),
		BackoffMax:  c.cfg.GetMaxBackoff(),
		Jitter:      c.cfg.BackoffMS.Jitter,
		Logger:      c.log,
		Metrics:     c.metrics,
	})
	c.transports[mkt] = t
	return t
}

// hostOrder returns the endpoint pool starting at the rotation cursor
// with frozen hosts dropped. When every host is frozen it returns the
// throttle error directly instead of queueing behind the freeze.
func (c *Client) hostOrder(mkt market.Type, caps market.Capabilities) ([]string, error) {
	eps := caps.Endpoints()
	c.mu.Lock()
	start := c.cursor[mkt]
	c.mu.Unlock()

	now := c.now()
	var soonest time.Time
	out := make([]string, 0, len(eps))
	for i := range eps {
		ep := eps[(start+i)%len(eps)]
		until := c.limiter.FrozenUntil(hostOf(ep))
		if until.After(now) {
			if soonest.IsZero() || until.Before(soonest) {
				soonest = until
			}
			continue
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, &fcperr.RateLimitedError{
			RetryAfter: soonest.Sub(now),
			StatusCode: http.StatusTooManyRequests,
			Host:       "all",
		}
	}
	return out, nil
}

func (c *Client) rotate(mkt market.Type, caps market.Capabilities) {
	c.mu.Lock()
	c.cursor[mkt] = (c.cursor[mkt] + 1) % len(caps.Endpoints())
	c.mu.Unlock()
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Host
}

// planChunks slices the missing ranges into pages of at most pageRows
// grid points each. Ranges needing more than maxPages pages are cut
// off; the unplanned tail stays missing and the result is flagged.
func planChunks(missing rangeset.Set, iv timegrid.Interval, pageRows, maxPages int) ([]rangeset.Range, bool) {
	if pageRows <= 0 {
		pageRows = 500
	}
	truncated := false
	var chunks []rangeset.Range
	for _, r := range missing.Ranges() {
		pages := 0
		cursor := timegrid.Ceil(r.Start, iv)
		for cursor.Before(r.End) {
			if maxPages > 0 && pages >= maxPages {
				truncated = true
				break
			}
			end := advance(cursor, iv, pageRows)
			if end.After(r.End) {
				end = r.End
			}
			chunks = append(chunks, rangeset.Range{Start: cursor, End: end})
			cursor = end
			pages++
		}
	}
	return chunks, truncated
}

func advance(t time.Time, iv timegrid.Interval, steps int) time.Time {
	if !iv.IsCalendar() {
		return t.Add(time.Duration(steps) * iv.Duration())
	}
	for i := 0; i < steps; i++ {
		t = iv.Step(t)
	}
	return t
}

// klinesURL builds one page request. The API takes millisecond
// timestamps with an inclusive endTime, so the half-open range end
// steps back one millisecond.
func klinesURL(base string, caps market.Capabilities, req source.Request, chunk rangeset.Range) string {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("interval", req.Interval.String())
	q.Set("startTime", strconv.FormatInt(chunk.Start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(chunk.End.Add(-time.Millisecond).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(caps.MaxPageRows))
	return base + caps.KlinesPath() + "?" + q.Encode()
}

// parseKlines decodes the API's array-of-arrays payload. Numbers
// arrive as JSON strings for prices and bare numbers for counts and
// timestamps; UseNumber keeps the timestamps exact.
func parseKlines(data []byte, req source.Request, now time.Time) (*frame.Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fcperr.Wrap(fcperr.KindPermanent, "rest.parse", err)
	}
	f := frame.New(req.Market, req.Symbol, req.Interval)
	for _, rec := range raw {
		k, err := parseKline(rec, req.Interval)
		if err != nil {
			return nil, fcperr.Wrap(fcperr.KindPermanent, "rest.parse", err)
		}
		// The bar at the right edge is still forming; it would be
		// revised on the next fetch, so it never enters a frame.
		if !timegrid.IsBarComplete(k.OpenTime, req.Interval, now) {
			continue
		}
		f.Append(k)
	}
	f.Normalize()
	return f, nil
}

func parseKline(rec []any, iv timegrid.Interval) (frame.Kline, error) {
	if len(rec) < klineFields {
		return frame.Kline{}, fmt.Errorf("want at least %d elements, got %d", klineFields, len(rec))
	}
	rawOpen, err := asInt64(rec[0])
	if err != nil {
		return frame.Kline{}, fmt.Errorf("open time: %w", err)
	}
	open, err := timegrid.ParseRaw(rawOpen)
	if err != nil {
		return frame.Kline{}, err
	}

	p := valueParser{}
	k := frame.Kline{
		OpenTime:            open,
		Open:                p.float(rec[1], "open"),
		High:                p.float(rec[2], "high"),
		Low:                 p.float(rec[3], "low"),
		Close:               p.float(rec[4], "close"),
		Volume:              p.float(rec[5], "volume"),
		CloseTime:           timegrid.CloseTime(open, iv),
		QuoteVolume:         p.float(rec[7], "quote_volume"),
		Trades:              p.int(rec[8], "trades"),
		TakerBuyVolume:      p.float(rec[9], "taker_buy_volume"),
		TakerBuyQuoteVolume: p.float(rec[10], "taker_buy_quote_volume"),
		Origin:              frame.OriginREST,
	}
	if p.err != nil {
		return frame.Kline{}, p.err
	}
	return k, nil
}

// valueParser accumulates the first conversion error across the mixed
// string/number elements of a raw record.
type valueParser struct {
	err error
}

func (p *valueParser) float(v any, name string) float64 {
	f, err := asFloat(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return f
}

func (p *valueParser) int(v any, name string) int64 {
	i, err := asInt64(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return i
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// apiError is the provider's JSON error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiError) String() string {
	return fmt.Sprintf("%s (code %d)", e.Msg, e.Code)
}

func parseAPIError(data []byte, status int) apiError {
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil || e.Msg == "" {
		return apiError{Code: status, Msg: http.StatusText(status)}
	}
	return e
}
