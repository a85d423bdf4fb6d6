package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/candlekeep/klinevault"
	"github.com/candlekeep/klinevault/internal/fcp"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch klines for one symbol and window",
	Long: `Fetch runs the failover sequence for one symbol and window, then
prints the rows as a table or writes them as Arrow IPC.

Examples:
  klinevault fetch --symbol BTCUSDT --interval 1h --start 2024-03-01 --end 2024-03-10
  klinevault fetch --symbol ETHUSDT --interval 1m --start 2024-03-01 --end 2024-03-02 --out eth.arrow
  klinevault fetch --symbol BTCUSDT --interval 1d --start 2024-01-01 --end 2024-03-01 --source vision`,
	RunE: runFetch,
}

var (
	fetchMarket     = marketFlag{val: market.Spot}
	fetchInterval   = intervalFlag{val: timegrid.Hour1}
	fetchSymbol     string
	fetchStart      string
	fetchEnd        string
	fetchSource     string
	fetchNoCache    bool
	fetchSourceInfo bool
	fetchReport     bool
	fetchOut        string
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchSymbol, "symbol", "", "trading pair, e.g. BTCUSDT")
	fetchCmd.Flags().Var(&fetchMarket, "market", "spot, futures_usdt or futures_coin")
	fetchCmd.Flags().Var(&fetchInterval, "interval", "bar size, e.g. 1m, 1h, 1d")
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "window start (RFC 3339, UTC date or unix ms)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "window end, exclusive")
	fetchCmd.Flags().StringVar(&fetchSource, "source", "", "restrict to one stage: cache, vision or rest")
	fetchCmd.Flags().BoolVar(&fetchNoCache, "no-cache", false, "skip the cache read")
	fetchCmd.Flags().BoolVar(&fetchSourceInfo, "source-info", false, "print the origin of every row")
	fetchCmd.Flags().BoolVar(&fetchReport, "report", false, "print the stage report after the rows")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "write Arrow IPC to this file instead of printing ('-' for stdout)")

	_ = fetchCmd.MarkFlagRequired("symbol")
	_ = fetchCmd.MarkFlagRequired("start")
	_ = fetchCmd.MarkFlagRequired("end")
}

func runFetch(cmd *cobra.Command, args []string) error {
	start, err := parseTimeArg(fetchStart)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := parseTimeArg(fetchEnd)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	mgr, err := klinevault.New(klinevault.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer mgr.Close()

	q := klinevault.Query{
		Market:   fetchMarket.String(),
		Symbol:   fetchSymbol,
		Interval: fetchInterval.String(),
		Start:    start,
		End:      end,
	}
	var opts []klinevault.QueryOption
	if fetchNoCache {
		opts = append(opts, klinevault.WithoutCache())
	}
	if fetchSource != "" {
		opts = append(opts, klinevault.WithSource(fetchSource))
	}

	f, rep, err := mgr.GetWithReport(cmd.Context(), q, opts...)
	if err != nil {
		return err
	}

	if fetchOut != "" {
		if err := writeArrow(f, fetchOut); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d rows written to %s\n", f.Len(), fetchOut)
	} else {
		printRows(f, fetchSourceInfo)
	}
	if fetchReport {
		printReport(rep)
	}
	return nil
}

// parseTimeArg accepts RFC 3339, a bare UTC date, or unix milliseconds.
func parseTimeArg(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// writeArrow writes the frame in the IPC file format, or the stream
// format when the destination is stdout.
func writeArrow(f *frame.Frame, path string) error {
	rec := f.ToRecord(memory.DefaultAllocator)
	defer rec.Release()

	if path == "-" {
		w := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
		if err := w.Write(rec); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(out, ipc.WithSchema(rec.Schema()))
	if err != nil {
		out.Close()
		return err
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		out.Close()
		return err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func printRows(f *frame.Frame, sourceInfo bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := "OPEN TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\tTRADES"
	if sourceInfo {
		header += "\tSOURCE"
	}
	fmt.Fprintln(w, header)
	for _, k := range f.Rows {
		fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%g\t%g\t%d",
			k.OpenTime.Format(time.RFC3339), k.Open, k.High, k.Low, k.Close, k.Volume, k.Trades)
		if sourceInfo {
			fmt.Fprintf(w, "\t%s", strings.ToLower(string(k.Origin)))
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	fmt.Printf("%d rows\n", f.Len())
}

func printReport(rep *fcp.Report) {
	fmt.Printf("\nrun %s: %s in %s\n", rep.ID, rep.Outcome, rep.Elapsed.Round(time.Millisecond))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tROWS\tLEFT\tELAPSED\tERROR")
	for _, st := range rep.Stages {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			st.Source, st.Status, st.Rows, st.MissingAfter,
			st.Elapsed.Round(time.Millisecond), st.Err)
	}
	w.Flush()

	printGaps(os.Stdout, rep)
}

func printGaps(out io.Writer, rep *fcp.Report) {
	if n := rep.Missing.TotalPoints(rep.Interval); n > 0 {
		fmt.Fprintf(out, "missing %d grid points:\n", n)
		for _, r := range rep.Missing.Ranges() {
			fmt.Fprintf(out, "  %s\n", r)
		}
	}
	if len(rep.NotPublished) > 0 {
		fmt.Fprintf(out, "%d days not yet published by the archive\n", len(rep.NotPublished))
	}
	if rep.PermanentGaps.Len() > 0 {
		fmt.Fprintln(out, "permanent gaps (no trading data exists):")
		for _, r := range rep.PermanentGaps.Ranges() {
			fmt.Fprintf(out, "  %s\n", r)
		}
	}
}
