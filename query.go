package klinevault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/candlekeep/klinevault/internal/fcp"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// maxParallelSeries bounds GetMulti fan-out. Each series already fans
// out internally across archive days and REST pages.
const maxParallelSeries = 4

// Query names one series and the half-open window [Start, End) to
// fetch. Market and interval are parsed leniently: "um" is the
// USDT-margined futures surface, symbols are upper-cased.
type Query struct {
	Market   string
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
}

type callOptions struct {
	useCache     bool
	enforce      string
	dropForming  bool
	futurePolicy string
}

// QueryOption tunes a single call.
type QueryOption func(*callOptions)

// WithoutCache skips the cache read. Fetched rows are still written
// back according to the store configuration.
func WithoutCache() QueryOption {
	return func(o *callOptions) { o.useCache = false }
}

// WithSource restricts the call to a single stage: CACHE, VISION,
// REST, or ANY for the normal failover sequence.
func WithSource(name string) QueryOption {
	return func(o *callOptions) { o.enforce = name }
}

// WithFutureDatePolicy overrides how an end beyond now is handled:
// ERROR rejects it, TRUNCATE clamps it to now, ALLOW passes it
// through.
func WithFutureDatePolicy(policy string) QueryOption {
	return func(o *callOptions) { o.futurePolicy = policy }
}

// WithFormingBar keeps the bar whose close time is still ahead of
// now. By default it is dropped so the result holds only closed bars.
func WithFormingBar() QueryOption {
	return func(o *callOptions) { o.dropForming = false }
}

// Get fetches one series. The returned frame is canonical: strictly
// increasing grid-aligned UTC open times with per-row provenance.
// Ranges no source could fill are simply absent; GetWithReport tells
// them apart from never-requested ones.
func (m *Manager) Get(ctx context.Context, q Query, opts ...QueryOption) (*frame.Frame, error) {
	f, _, err := m.GetWithReport(ctx, q, opts...)
	return f, err
}

// GetWithReport fetches one series and describes how each stage
// contributed. The report is non-nil whenever the request passed
// validation, including on failed runs.
func (m *Manager) GetWithReport(ctx context.Context, q Query, opts ...QueryOption) (*frame.Frame, *fcp.Report, error) {
	req, err := m.resolve(q, opts)
	if err != nil {
		return nil, nil, err
	}
	return m.pipe.Run(ctx, req)
}

// GetRecord fetches one series as an Arrow record, the same columns
// Get returns row-wise. The caller owns the record and must Release
// it.
func (m *Manager) GetRecord(ctx context.Context, q Query, opts ...QueryOption) (arrow.Record, error) {
	f, err := m.Get(ctx, q, opts...)
	if err != nil {
		return nil, err
	}
	return f.ToRecord(memory.DefaultAllocator), nil
}

// GetMulti fetches the same window for several symbols with bounded
// parallelism. The first failure cancels the remaining fetches;
// per-symbol gaps are not failures.
func (m *Manager) GetMulti(ctx context.Context, symbols []string, q Query, opts ...QueryOption) (map[string]*frame.Frame, error) {
	out := make(map[string]*frame.Frame, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSeries)
	var mu sync.Mutex

	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		sym := sym
		g.Go(func() error {
			sq := q
			sq.Symbol = sym
			f, err := m.Get(ctx, sq, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
			mu.Lock()
			out[sym] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve validates the query and turns it into a pipeline request.
// Every rejection here is a user-input error; nothing has been
// fetched yet.
func (m *Manager) resolve(q Query, opts []QueryOption) (fcp.Request, error) {
	co := callOptions{
		useCache:     true,
		enforce:      string(fcp.EnforceAny),
		dropForming:  m.cfg.Pipeline.HandlePartial,
		futurePolicy: m.cfg.Pipeline.FutureDatePolicy,
	}
	for _, opt := range opts {
		opt(&co)
	}

	mkt, err := market.FromString(q.Market)
	if err != nil {
		return fcp.Request{}, fcperr.Wrap(fcperr.KindUserInput, "manager.query", err)
	}
	sym, err := market.NormalizeSymbol(q.Symbol, mkt)
	if err != nil {
		return fcp.Request{}, fcperr.Wrap(fcperr.KindUserInput, "manager.query", err)
	}
	iv, err := timegrid.ParseInterval(q.Interval)
	if err != nil {
		return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
			"unknown interval %q", q.Interval)
	}
	if !mkt.Supports(iv) {
		return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
			"market %s does not serve %s klines", mkt, iv)
	}

	if q.Start.IsZero() || q.End.IsZero() {
		return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
			"start and end are required")
	}
	start, end := q.Start.UTC(), q.End.UTC()
	if !start.Before(end) {
		return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
			"start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if now := m.now().UTC(); end.After(now) {
		switch strings.ToUpper(co.futurePolicy) {
		case "ALLOW":
		case "TRUNCATE":
			end = now
			if !start.Before(end) {
				return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
					"window [%s, %s) is entirely in the future",
					start.Format(time.RFC3339), q.End.UTC().Format(time.RFC3339))
			}
		case "ERROR":
			return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
				"end %s is in the future", end.Format(time.RFC3339))
		default:
			return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
				"future date policy must be ERROR, TRUNCATE or ALLOW, got %q", co.futurePolicy)
		}
	}

	enforce, err := fcp.ParseEnforce(co.enforce)
	if err != nil {
		return fcp.Request{}, err
	}
	if enforce == fcp.EnforceCache {
		if !co.useCache {
			return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
				"cache-only query with cache reads disabled")
		}
		if m.store == nil {
			return fcp.Request{}, fcperr.New(fcperr.KindUserInput, "manager.query",
				"cache-only query while the cache is disabled")
		}
	}

	return fcp.Request{
		Market:      mkt,
		Symbol:      sym,
		Interval:    iv,
		Range:       rangeset.Range{Start: start, End: end},
		UseCache:    co.useCache,
		Enforce:     enforce,
		DropForming: co.dropForming,
	}, nil
}
