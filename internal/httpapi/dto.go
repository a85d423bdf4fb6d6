package httpapi

import (
	"strings"
	"time"

	"github.com/candlekeep/klinevault/internal/fcp"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/net/budget"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/vault"
)

type klinesResponse struct {
	Market   string     `json:"market"`
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	Rows     int        `json:"rows"`
	Klines   []klineRow `json:"klines"`
	Report   *reportDTO `json:"report,omitempty"`
}

// klineRow is one bar on the wire. Source is filled only when the
// caller asked for provenance.
type klineRow struct {
	OpenTime            time.Time `json:"open_time"`
	Open                float64   `json:"open"`
	High                float64   `json:"high"`
	Low                 float64   `json:"low"`
	Close               float64   `json:"close"`
	Volume              float64   `json:"volume"`
	CloseTime           time.Time `json:"close_time"`
	QuoteVolume         float64   `json:"quote_volume"`
	Trades              int64     `json:"trades"`
	TakerBuyVolume      float64   `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume"`
	Source              string    `json:"source,omitempty"`
}

func rowsDTO(f *frame.Frame, sourceInfo bool) []klineRow {
	out := make([]klineRow, 0, f.Len())
	for _, k := range f.Rows {
		row := klineRow{
			OpenTime:            k.OpenTime,
			Open:                k.Open,
			High:                k.High,
			Low:                 k.Low,
			Close:               k.Close,
			Volume:              k.Volume,
			CloseTime:           k.CloseTime,
			QuoteVolume:         k.QuoteVolume,
			Trades:              k.Trades,
			TakerBuyVolume:      k.TakerBuyVolume,
			TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
		}
		if sourceInfo {
			row.Source = strings.ToLower(string(k.Origin))
		}
		out = append(out, row)
	}
	return out
}

type statsResponse struct {
	Cache   *vault.StoreStats       `json:"cache,omitempty"`
	Budgets map[string]budget.Stats `json:"budgets"`
}

type errorResponse struct {
	Error struct {
		Kind    string            `json:"kind"`
		Message string            `json:"message"`
		Op      string            `json:"op,omitempty"`
		Details map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

type rangeDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func rangesDTO(set rangeset.Set) []rangeDTO {
	rs := set.Ranges()
	if len(rs) == 0 {
		return nil
	}
	out := make([]rangeDTO, len(rs))
	for i, r := range rs {
		out[i] = rangeDTO{Start: r.Start, End: r.End}
	}
	return out
}

type stageDTO struct {
	Source       string `json:"source"`
	Status       string `json:"status"`
	Rows         int    `json:"rows"`
	MissingAfter int    `json:"missing_after"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	Error        string `json:"error,omitempty"`
}

type reportDTO struct {
	ID            string         `json:"id"`
	Outcome       string         `json:"outcome"`
	Rows          int            `json:"rows"`
	RowsBySource  map[string]int `json:"rows_by_source,omitempty"`
	Stages        []stageDTO     `json:"stages"`
	Missing       []rangeDTO     `json:"missing,omitempty"`
	NotPublished  []time.Time    `json:"not_published,omitempty"`
	PermanentGaps []rangeDTO     `json:"permanent_gaps,omitempty"`
	ElapsedMS     int64          `json:"elapsed_ms"`
}

func reportDTOOf(rep *fcp.Report) *reportDTO {
	if rep == nil {
		return nil
	}
	dto := &reportDTO{
		ID:            rep.ID,
		Outcome:       string(rep.Outcome),
		Rows:          rep.Rows,
		Stages:        make([]stageDTO, len(rep.Stages)),
		Missing:       rangesDTO(rep.Missing),
		NotPublished:  rep.NotPublished,
		PermanentGaps: rangesDTO(rep.PermanentGaps),
		ElapsedMS:     rep.Elapsed.Milliseconds(),
	}
	if len(rep.Origins) > 0 {
		dto.RowsBySource = make(map[string]int, len(rep.Origins))
		for origin, n := range rep.Origins {
			dto.RowsBySource[strings.ToLower(string(origin))] = n
		}
	}
	for i, st := range rep.Stages {
		dto.Stages[i] = stageDTO{
			Source:       st.Source,
			Status:       string(st.Status),
			Rows:         st.Rows,
			MissingAfter: st.MissingAfter,
			ElapsedMS:    st.Elapsed.Milliseconds(),
			Error:        st.Err,
		}
	}
	return dto
}
