// Package fcp runs the failover control protocol: a cache read, then
// the bulk archive, then the live API, each stage shrinking the set of
// missing ranges until the request is covered or every stage has had
// its turn. Missing only ever means "no row observed at this grid
// point"; a range no stage can fill is returned as a gap, not an
// error.
package fcp

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/telemetry"
	"github.com/candlekeep/klinevault/internal/timegrid"
	"github.com/candlekeep/klinevault/internal/vault"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeDone      Outcome = "DONE"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Enforce restricts a run to a single stage. The zero value is not
// valid; use EnforceAny for the normal failover sequence.
type Enforce string

const (
	EnforceAny    Enforce = "ANY"
	EnforceCache  Enforce = "CACHE"
	EnforceVision Enforce = "VISION"
	EnforceREST   Enforce = "REST"
)

// ParseEnforce validates a stage-restriction token.
func ParseEnforce(s string) (Enforce, error) {
	switch e := Enforce(strings.ToUpper(s)); e {
	case EnforceAny, EnforceCache, EnforceVision, EnforceREST:
		return e, nil
	default:
		return "", fcperr.New(fcperr.KindUserInput, "fcp.enforce",
			"source restriction must be ANY, CACHE, VISION or REST, got %q", s)
	}
}

// permits reports whether the stage with the given name may run.
func (e Enforce) permits(name string) bool {
	return e == EnforceAny || strings.EqualFold(string(e), name)
}

// Request is one validated fetch. The façade has already normalised
// the symbol, checked the interval against the market and applied the
// future-date policy to the range.
type Request struct {
	Market      market.Type
	Symbol      string
	Interval    timegrid.Interval
	Range       rangeset.Range
	UseCache    bool
	Enforce     Enforce
	DropForming bool // drop the bar whose close time is still ahead of now
}

// StageReport describes one stage's contribution to a run.
type StageReport struct {
	Source       string
	Status       source.Status
	Rows         int
	MissingAfter int // grid points still unresolved when the stage finished
	Elapsed      time.Duration
	Err          string
}

// Report is the run summary returned alongside the frame. ID ties the
// report to the run's log lines.
type Report struct {
	ID            string
	Market        market.Type
	Symbol        string
	Interval      timegrid.Interval
	Window        rangeset.Range
	Outcome       Outcome
	Stages        []StageReport
	Rows          int
	Origins       map[frame.Origin]int
	Missing       rangeset.Set
	NotPublished  []time.Time
	PermanentGaps rangeset.Set
	Elapsed       time.Duration
}

// Options wires a Pipeline.
type Options struct {
	Store   *vault.Store    // nil disables the cache stage and writeback
	Sources []source.Source // tried in order after the cache
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Pipeline owns the stages for the lifetime of the process. It is
// safe for concurrent use; per-request state lives on the stack of
// Run.
type Pipeline struct {
	store   *vault.Store
	sources []source.Source
	log     zerolog.Logger
	metrics *telemetry.Metrics

	now func() time.Time
}

// New builds a Pipeline from its stages.
func New(opts Options) *Pipeline {
	return &Pipeline{
		store:   opts.Store,
		sources: opts.Sources,
		log:     opts.Logger.With().Str("component", "fcp").Logger(),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Run executes the failover sequence for one request and returns the
// merged frame. The Report is returned for every outcome, including
// failures, so callers can see how far the run got.
func (p *Pipeline) Run(ctx context.Context, req Request) (*frame.Frame, *Report, error) {
	started := p.now()
	runID := uuid.NewString()
	log := p.log.With().
		Str("run_id", runID).
		Str("market", req.Market.String()).
		Str("symbol", req.Symbol).
		Str("interval", req.Interval.String()).
		Str("window", req.Range.String()).
		Logger()

	collected := frame.New(req.Market, req.Symbol, req.Interval)
	missing := rangeset.Missing(req.Range, nil, req.Interval)

	rep := &Report{
		ID:       runID,
		Market:   req.Market,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Window:   req.Range,
	}
	fail := func(outcome Outcome, err error) (*frame.Frame, *Report, error) {
		rep.Outcome = outcome
		rep.Missing = missing
		rep.Elapsed = p.now().Sub(started)
		log.Warn().Err(err).Str("outcome", string(outcome)).Msg("pipeline aborted")
		return nil, rep, err
	}

	if req.Range.IsZero() {
		return fail(OutcomeFailed, fcperr.New(fcperr.KindUserInput, "fcp.run",
			"empty request range %s", req.Range))
	}
	if err := ctx.Err(); err != nil {
		return fail(OutcomeCancelled, fcperr.Wrap(fcperr.KindCancelled, "fcp.run", err))
	}

	if p.store != nil && req.UseCache && req.Enforce.permits("cache") {
		stageStart := p.now()
		key := vault.Key{Market: req.Market, Symbol: req.Symbol, Interval: req.Interval}
		cached, err := p.store.Get(ctx, key, req.Range)
		if err != nil {
			if fcperr.KindOf(err) == fcperr.KindCancelled {
				return fail(OutcomeCancelled, err)
			}
			// Read trouble is indistinguishable from a miss: the later
			// stages refill whatever could not be read.
			log.Warn().Err(err).Msg("cache read failed, treating as miss")
		}
		rows := 0
		if cached != nil {
			rows = cached.Len()
			collected = frame.Concat(collected, cached)
			missing = rangeset.Missing(req.Range, collected.OpenTimes(), req.Interval)
		}
		status := source.StatusPartial
		if missing.IsEmpty() {
			status = source.StatusFulfilled
		}
		rep.Stages = append(rep.Stages, StageReport{
			Source:       "cache",
			Status:       status,
			Rows:         rows,
			MissingAfter: missing.TotalPoints(req.Interval),
			Elapsed:      p.now().Sub(stageStart),
		})
		log.Debug().Int("rows", rows).Stringer("missing", missing).Msg("cache stage complete")
	}

	for _, src := range p.sources {
		if !req.Enforce.permits(src.Name()) {
			continue
		}
		if missing.IsEmpty() {
			break
		}
		if !src.CanServe(req.Market, req.Interval) {
			rep.Stages = append(rep.Stages, StageReport{Source: src.Name(), Status: source.StatusSkipped})
			log.Debug().Str("source", src.Name()).Msg("stage cannot serve this series, skipping")
			continue
		}
		sub := missing.Intersect(src.Window(p.now()))
		if sub.IsEmpty() {
			rep.Stages = append(rep.Stages, StageReport{Source: src.Name(), Status: source.StatusSkipped})
			log.Debug().Str("source", src.Name()).Msg("nothing missing inside the stage window, skipping")
			continue
		}

		stageStart := p.now()
		res := src.Fetch(ctx, source.Request{
			Market:   req.Market,
			Symbol:   req.Symbol,
			Interval: req.Interval,
			Missing:  sub,
		})

		rows := 0
		if res.Frame != nil && res.Frame.Len() > 0 {
			rows = res.Frame.Len()
			if p.store != nil && src.Persist() {
				if err := p.store.Put(ctx, res.Frame); err != nil {
					if fcperr.KindOf(err) == fcperr.KindCancelled {
						return fail(OutcomeCancelled, err)
					}
					log.Warn().Err(err).Str("source", src.Name()).Msg("cache writeback failed")
				}
			}
			collected = frame.Concat(collected, res.Frame)
			missing = rangeset.Missing(req.Range, collected.OpenTimes(), req.Interval)
		}
		rep.NotPublished = append(rep.NotPublished, res.NotPublished...)
		rep.PermanentGaps = rep.PermanentGaps.Union(res.PermanentGaps)

		sr := StageReport{
			Source:       src.Name(),
			Status:       res.Status,
			Rows:         rows,
			MissingAfter: missing.TotalPoints(req.Interval),
			Elapsed:      p.now().Sub(stageStart),
		}
		if res.Err != nil {
			sr.Err = res.Err.Error()
		}
		rep.Stages = append(rep.Stages, sr)
		log.Debug().
			Str("source", src.Name()).
			Str("status", string(res.Status)).
			Int("rows", rows).
			Stringer("missing", missing).
			Msg("stage complete")

		if res.Err != nil {
			switch fcperr.KindOf(res.Err) {
			case fcperr.KindCancelled:
				return fail(OutcomeCancelled, res.Err)
			case fcperr.KindRateLimited:
				return fail(OutcomeFailed, res.Err)
			default:
				log.Warn().Err(res.Err).Str("source", src.Name()).Msg("stage failed, moving on")
			}
		}
	}

	end := req.Range.End
	if req.DropForming {
		if cut := timegrid.Floor(p.now().UTC(), req.Interval); cut.Before(end) {
			end = cut
		}
	}
	final := collected.FilterRange(req.Range.Start, end)
	if err := final.Validate(); err != nil {
		return fail(OutcomeFailed, fcperr.Wrap(fcperr.KindSchema, "fcp.merge", err))
	}

	rep.Outcome = OutcomeDone
	rep.Rows = final.Len()
	rep.Origins = final.OriginCounts()
	rep.Missing = missing
	rep.Elapsed = p.now().Sub(started)

	for origin, n := range rep.Origins {
		p.metrics.AddRows(string(origin), n)
	}
	p.metrics.ObserveFetch(req.Market.String(), req.Interval.String(), rep.Elapsed.Seconds())

	log.Info().
		Int("rows", rep.Rows).
		Int("missing_points", missing.TotalPoints(req.Interval)).
		Dur("elapsed", rep.Elapsed).
		Msg("fetch complete")
	return final, rep, nil
}
