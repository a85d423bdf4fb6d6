// Package vision implements the bulk-archive stage. The provider
// publishes one zip object per symbol, interval and UTC day, roughly a
// day and a half after the day closes; fetching them costs no API
// weight, so the pipeline drains as much as it can here before
// touching the live API. Every object ships with a .CHECKSUM sibling
// that is verified before the zip is trusted.
package vision

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/guards"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// archiveColumns is the minimum field count of an archive CSV row:
// open_time, open, high, low, close, volume, close_time, quote_volume,
// trades, taker_buy_base, taker_buy_quote. A trailing ignore column
// may or may not be present depending on the archive era.
const archiveColumns = 11

// Client fetches daily kline archives.
type Client struct {
	base        string
	transport   *guards.Transport
	concurrency int
	dataDelay   time.Duration
	recentGrace time.Duration
	log         zerolog.Logger

	now func() time.Time
}

// New builds an archive client on top of a guarded transport.
func New(cfg config.VisionConfig, transport *guards.Transport, log zerolog.Logger) *Client {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 1
	}
	return &Client{
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		transport:   transport,
		concurrency: conc,
		dataDelay:   cfg.GetDataDelay(),
		recentGrace: cfg.GetRecentGrace(),
		log:         log.With().Str("source", "vision").Logger(),
		now:         time.Now,
	}
}

func (c *Client) Name() string { return "vision" }

func (c *Client) Origin() frame.Origin { return frame.OriginVision }

// Persist is true: archive rows are final and worth caching.
func (c *Client) Persist() bool { return true }

// CanServe restricts the archive to fixed intervals of at most one
// day. Daily objects are keyed by a bar's opening day, which only
// lines up with the grid for sub-day widths; the handful of wider bars
// a request needs are cheap over the live API.
func (c *Client) CanServe(mkt market.Type, iv timegrid.Interval) bool {
	if !mkt.Supports(iv) {
		return false
	}
	return !iv.IsCalendar() && iv.Duration() <= 24*time.Hour
}

// Window ends at the start of the first day the archive cannot have
// published yet.
func (c *Client) Window(now time.Time) rangeset.Range {
	cut := now.UTC().Add(-c.dataDelay)
	day := time.Date(cut.Year(), cut.Month(), cut.Day(), 0, 0, 0, 0, time.UTC)
	return rangeset.Range{Start: time.Unix(0, 0).UTC(), End: day}
}

// dayOutcome is the result of one object download. Exactly one field
// is meaningful.
type dayOutcome struct {
	rows         *frame.Frame
	notPublished bool
	gap          bool
	err          error
}

// Fetch downloads every archive day the missing ranges touch, in
// parallel. Individual day failures degrade the result to partial;
// throttling and cancellation abort the whole stage.
func (c *Client) Fetch(ctx context.Context, req source.Request) source.Result {
	days := req.Missing.Days()
	if len(days) == 0 {
		return source.Result{Status: source.StatusSkipped}
	}

	outcomes := make([]dayOutcome, len(days))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			out := c.fetchDay(gctx, req, day)
			outcomes[i] = out
			if out.err != nil {
				switch fcperr.KindOf(out.err) {
				case fcperr.KindRateLimited, fcperr.KindCancelled:
					return out.err
				}
				c.log.Warn().Err(out.err).
					Str("symbol", req.Symbol).
					Str("interval", req.Interval.String()).
					Time("day", day).
					Msg("archive day failed")
			}
			return nil
		})
	}
	waitErr := g.Wait()

	var (
		parts    []*frame.Frame
		notPub   []time.Time
		gaps     []rangeset.Range
		dayErrs  int
		firstErr error
	)
	for i, out := range outcomes {
		switch {
		case out.rows != nil:
			parts = append(parts, out.rows)
		case out.notPublished:
			notPub = append(notPub, days[i])
		case out.gap:
			gaps = append(gaps, dayRange(days[i]))
		case out.err != nil:
			dayErrs++
			if firstErr == nil {
				firstErr = out.err
			}
		}
	}

	var merged *frame.Frame
	if len(parts) > 0 {
		merged = frame.Concat(parts...)
	}
	res := source.Result{
		Frame:         merged,
		NotPublished:  notPub,
		PermanentGaps: rangeset.NewSet(gaps...),
	}
	switch {
	case waitErr != nil:
		res.Status = source.StatusFailed
		res.Err = waitErr
	case dayErrs == len(days):
		res.Status = source.StatusFailed
		res.Err = firstErr
	case dayErrs == 0 && len(notPub) == 0 && len(gaps) == 0:
		res.Status = source.StatusFulfilled
	default:
		res.Status = source.StatusPartial
	}
	return res
}

func (c *Client) fetchDay(ctx context.Context, req source.Request, day time.Time) dayOutcome {
	url := c.objectURL(req.Market, req.Symbol, req.Interval, day)

	// Archive objects are immutable, so a digest mismatch means the
	// download was torn in transit. Refetch the pair once before giving
	// the day up.
	var data []byte
	for attempt := 0; ; attempt++ {
		resp, err := c.transport.Get(ctx, url)
		if err != nil {
			return dayOutcome{err: err}
		}
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			if c.isRecent(day) {
				c.log.Debug().Time("day", day).Str("symbol", req.Symbol).
					Msg("archive object not published yet")
				return dayOutcome{notPublished: true}
			}
			c.log.Debug().Time("day", day).Str("symbol", req.Symbol).
				Msg("archive object permanently absent")
			return dayOutcome{gap: true}
		default:
			return dayOutcome{err: fcperr.New(fcperr.KindTransient, "vision.fetch",
				"unexpected status %d", resp.StatusCode).With("url", url)}
		}

		verifyErr := c.verifyChecksum(ctx, url, resp.Data)
		if verifyErr == nil {
			data = resp.Data
			break
		}
		if attempt > 0 || fcperr.KindOf(verifyErr) != fcperr.KindIntegrity {
			return dayOutcome{err: verifyErr}
		}
		c.log.Warn().Str("url", url).Msg("archive digest mismatch, refetching")
	}

	rows, err := parseArchive(data, req, day)
	if err != nil {
		return dayOutcome{err: err}
	}
	return dayOutcome{rows: rows}
}

// verifyChecksum fetches the object's .CHECKSUM sibling and compares
// its digest against the downloaded bytes. Objects from before the
// provider published checksums have no sibling; those are accepted
// as-is.
func (c *Client) verifyChecksum(ctx context.Context, objectURL string, data []byte) error {
	sumURL := objectURL + ".CHECKSUM"
	resp, err := c.transport.Get(ctx, sumURL)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.log.Debug().Str("url", objectURL).Msg("archive object has no checksum sibling")
		return nil
	default:
		return fcperr.New(fcperr.KindTransient, "vision.checksum",
			"unexpected status %d", resp.StatusCode).With("url", sumURL)
	}

	want, err := parseChecksum(resp.Data)
	if err != nil {
		return fcperr.Wrap(fcperr.KindIntegrity, "vision.checksum", err).With("url", sumURL)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, want) {
		return fcperr.New(fcperr.KindIntegrity, "vision.checksum",
			"digest mismatch: want %s, got %s", want, got).With("url", objectURL)
	}
	return nil
}

// parseChecksum extracts the digest from sha256sum output,
// "<hex>  <filename>".
func parseChecksum(data []byte) (string, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum file is empty")
	}
	digest := fields[0]
	if len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("digest has %d hex chars, want %d", len(digest), sha256.Size*2)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("digest is not hex: %w", err)
	}
	return digest, nil
}

// isRecent reports whether a 404 for this day is still expected: the
// day closed less than the grace period ago, so the object may simply
// not have landed yet.
func (c *Client) isRecent(day time.Time) bool {
	published := day.AddDate(0, 0, 1).Add(c.recentGrace)
	return c.now().UTC().Before(published)
}

func (c *Client) objectURL(mkt market.Type, symbol string, iv timegrid.Interval, day time.Time) string {
	d := day.Format("2006-01-02")
	return fmt.Sprintf("%s/data/%s/daily/klines/%s/%s/%s-%s-%s.zip",
		c.base, mkt.VisionPath(), symbol, iv, symbol, iv, d)
}

func dayRange(day time.Time) rangeset.Range {
	return rangeset.Range{Start: day, End: day.AddDate(0, 0, 1)}
}

// parseArchive unpacks the zip object and parses its single CSV entry.
func parseArchive(data []byte, req source.Request, day time.Time) (*frame.Frame, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fcperr.Wrap(fcperr.KindPermanent, "vision.unzip", err).
			With("day", day.Format("2006-01-02"))
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, ".csv") {
			entry = zf
			break
		}
	}
	if entry == nil {
		return nil, fcperr.New(fcperr.KindPermanent, "vision.unzip",
			"archive has no csv entry").With("day", day.Format("2006-01-02"))
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, fcperr.Wrap(fcperr.KindPermanent, "vision.unzip", err)
	}
	defer rc.Close()

	f, err := parseCSV(rc, req)
	if err != nil {
		return nil, fcperr.Wrap(fcperr.KindPermanent, "vision.csv", err).
			With("day", day.Format("2006-01-02"))
	}
	return f, nil
}

func parseCSV(r io.Reader, req source.Request) (*frame.Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	f := frame.New(req.Market, req.Symbol, req.Interval)
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			// Some archive eras ship a header row.
			if _, perr := strconv.ParseInt(rec[0], 10, 64); perr != nil {
				continue
			}
		}
		k, err := parseRow(rec, req.Interval)
		if err != nil {
			return nil, err
		}
		f.Append(k)
	}
	f.Normalize()
	return f, nil
}

// parseRow converts one raw CSV record. The file's own close_time is
// discarded: it flips between millisecond and microsecond encodings
// across the archive's history, so it is recomputed from the grid.
func parseRow(rec []string, iv timegrid.Interval) (frame.Kline, error) {
	if len(rec) < archiveColumns {
		return frame.Kline{}, fmt.Errorf("want at least %d columns, got %d", archiveColumns, len(rec))
	}
	rawOpen, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return frame.Kline{}, fmt.Errorf("open time: %w", err)
	}
	open, err := timegrid.ParseRaw(rawOpen)
	if err != nil {
		return frame.Kline{}, err
	}

	p := fieldParser{}
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
		Origin:              frame.OriginVision,
	}
	if p.err != nil {
		return frame.Kline{}, p.err
	}
	return k, nil
}

// fieldParser accumulates the first conversion error so a row parses
// in one expression.
type fieldParser struct {
	err error
}

func (p *fieldParser) float(s, name string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *fieldParser) int(s, name string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}
