package frame

import (
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// Schema metadata keys. Cache files carry their identity so a store
// scan can describe entries without parsing file names.
const (
	metaSymbol   = "symbol"
	metaMarket   = "market"
	metaInterval = "interval"
)

var canonicalFields = []arrow.Field{
	{Name: "open_time", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close_time", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "quote_volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "trades", Type: arrow.PrimitiveTypes.Int64},
	{Name: "taker_buy_volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "taker_buy_quote_volume", Type: arrow.PrimitiveTypes.Float64},
}

// Schema returns the canonical column layout without identity metadata.
func Schema() *arrow.Schema {
	return arrow.NewSchema(canonicalFields, nil)
}

// ToRecord converts the frame to an Arrow record whose schema metadata
// names the frame. The caller owns the record and must Release it.
func (f *Frame) ToRecord(mem memory.Allocator) arrow.Record {
	md := arrow.NewMetadata(
		[]string{metaSymbol, metaMarket, metaInterval},
		[]string{f.Symbol, string(f.Market), string(f.Interval)},
	)
	schema := arrow.NewSchema(canonicalFields, &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	openTime := b.Field(0).(*array.TimestampBuilder)
	open := b.Field(1).(*array.Float64Builder)
	high := b.Field(2).(*array.Float64Builder)
	low := b.Field(3).(*array.Float64Builder)
	closePrice := b.Field(4).(*array.Float64Builder)
	volume := b.Field(5).(*array.Float64Builder)
	closeTime := b.Field(6).(*array.TimestampBuilder)
	quoteVolume := b.Field(7).(*array.Float64Builder)
	trades := b.Field(8).(*array.Int64Builder)
	takerBuy := b.Field(9).(*array.Float64Builder)
	takerBuyQuote := b.Field(10).(*array.Float64Builder)

	for _, r := range f.Rows {
		openTime.Append(arrow.Timestamp(r.OpenTime.UnixMicro()))
		open.Append(r.Open)
		high.Append(r.High)
		low.Append(r.Low)
		closePrice.Append(r.Close)
		volume.Append(r.Volume)
		closeTime.Append(arrow.Timestamp(r.CloseTime.UnixMicro()))
		quoteVolume.Append(r.QuoteVolume)
		trades.Append(r.Trades)
		takerBuy.Append(r.TakerBuyVolume)
		takerBuyQuote.Append(r.TakerBuyQuoteVolume)
	}
	return b.NewRecord()
}

// FromRecord rebuilds a frame from a cached record. Identity comes
// from the schema metadata; layout and null-freedom are enforced here
// rather than trusted, since the bytes crossed a disk boundary.
func FromRecord(rec arrow.Record) (*Frame, error) {
	schema := rec.Schema()
	if err := checkLayout(schema); err != nil {
		return nil, err
	}
	mkt, symbol, iv, err := identityFrom(schema)
	if err != nil {
		return nil, err
	}

	for col := 0; col < int(rec.NumCols()); col++ {
		if rec.Column(col).NullN() > 0 {
			return nil, fcperr.New(fcperr.KindSchema, "frame.decode",
				"column %s contains nulls", schema.Field(col).Name)
		}
	}

	openTime := rec.Column(0).(*array.Timestamp)
	open := rec.Column(1).(*array.Float64)
	high := rec.Column(2).(*array.Float64)
	low := rec.Column(3).(*array.Float64)
	closePrice := rec.Column(4).(*array.Float64)
	volume := rec.Column(5).(*array.Float64)
	closeTime := rec.Column(6).(*array.Timestamp)
	quoteVolume := rec.Column(7).(*array.Float64)
	trades := rec.Column(8).(*array.Int64)
	takerBuy := rec.Column(9).(*array.Float64)
	takerBuyQuote := rec.Column(10).(*array.Float64)

	f := New(mkt, symbol, iv)
	f.Rows = make([]Kline, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		f.Rows = append(f.Rows, Kline{
			OpenTime:            microsToTime(int64(openTime.Value(i))),
			Open:                open.Value(i),
			High:                high.Value(i),
			Low:                 low.Value(i),
			Close:               closePrice.Value(i),
			Volume:              volume.Value(i),
			CloseTime:           microsToTime(int64(closeTime.Value(i))),
			QuoteVolume:         quoteVolume.Value(i),
			Trades:              trades.Value(i),
			TakerBuyVolume:      takerBuy.Value(i),
			TakerBuyQuoteVolume: takerBuyQuote.Value(i),
		})
	}
	return f, nil
}

func checkLayout(schema *arrow.Schema) error {
	if len(schema.Fields()) != len(canonicalFields) {
		return fcperr.New(fcperr.KindSchema, "frame.decode",
			"got %d columns, want %d", len(schema.Fields()), len(canonicalFields))
	}
	for i, want := range canonicalFields {
		got := schema.Field(i)
		if got.Name != want.Name || !arrow.TypeEqual(got.Type, want.Type) {
			return fcperr.New(fcperr.KindSchema, "frame.decode",
				"column %d is %s %s, want %s %s", i, got.Name, got.Type, want.Name, want.Type)
		}
	}
	return nil
}

func identityFrom(schema *arrow.Schema) (market.Type, string, timegrid.Interval, error) {
	md := schema.Metadata()
	symbol, ok := metadataValue(md, metaSymbol)
	if !ok {
		return "", "", "", fcperr.New(fcperr.KindSchema, "frame.decode", "missing symbol metadata")
	}
	rawMarket, ok := metadataValue(md, metaMarket)
	if !ok {
		return "", "", "", fcperr.New(fcperr.KindSchema, "frame.decode", "missing market metadata")
	}
	mkt, err := market.FromString(rawMarket)
	if err != nil {
		return "", "", "", fcperr.Wrap(fcperr.KindSchema, "frame.decode", err)
	}
	rawInterval, ok := metadataValue(md, metaInterval)
	if !ok {
		return "", "", "", fcperr.New(fcperr.KindSchema, "frame.decode", "missing interval metadata")
	}
	iv, err := timegrid.ParseInterval(rawInterval)
	if err != nil {
		return "", "", "", fcperr.Wrap(fcperr.KindSchema, "frame.decode", err)
	}
	return mkt, symbol, iv, nil
}

func metadataValue(md arrow.Metadata, key string) (string, bool) {
	idx := md.FindKey(key)
	if idx < 0 {
		return "", false
	}
	return md.Values()[idx], true
}

func microsToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
