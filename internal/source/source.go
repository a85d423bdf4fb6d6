// Package source defines the contract between the failover pipeline
// and the stages that can produce kline rows. The pipeline neither
// knows nor cares how a stage gets its data; it asks what the stage
// can serve, hands it the unresolved ranges, and merges what returns.
package source

import (
	"context"
	"time"

	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// Request carries one stage's share of a fetch: the identity of the
// series plus the ranges still unresolved after earlier stages.
type Request struct {
	Market   market.Type
	Symbol   string
	Interval timegrid.Interval
	Missing  rangeset.Set
}

// Status classifies how a stage ended.
type Status string

const (
	// StatusFulfilled means the stage returned rows for everything it
	// was asked for.
	StatusFulfilled Status = "FULFILLED"
	// StatusPartial means the stage returned some rows but could not
	// resolve everything.
	StatusPartial Status = "PARTIAL"
	// StatusSkipped means the stage had nothing eligible to do.
	StatusSkipped Status = "SKIPPED"
	// StatusFailed means the stage produced an error and no usable rows.
	StatusFailed Status = "FAILED"
)

// Result is a stage outcome. Frame may be non-nil alongside a partial
// status; Err is set only when the stage as a whole failed or was cut
// short.
type Result struct {
	Frame  *frame.Frame
	Status Status
	// NotPublished lists archive days that do not exist yet because
	// publication lags real time. They are expected to appear later.
	NotPublished []time.Time
	// PermanentGaps are ranges the source definitively has no data
	// for, now or ever (delisted periods, pre-listing days).
	PermanentGaps rangeset.Set
	Err error
}

// Source is a stage that can fetch rows.
type Source interface {
	// Name labels the stage in logs, metrics and reports.
	Name() string
	// Origin is the provenance stamped on rows this source produces.
	Origin() frame.Origin
	// CanServe reports whether the source covers this series at all.
	CanServe(mkt market.Type, iv timegrid.Interval) bool
	// Window is the open-time span the source could have data for at
	// time now. The pipeline intersects missing ranges with it.
	Window(now time.Time) rangeset.Range
	// Persist reports whether rows from this source should be written
	// back to the cache after a fetch.
	Persist() bool
	// Fetch retrieves rows for the request's missing ranges.
	Fetch(ctx context.Context, req Request) Result
}
