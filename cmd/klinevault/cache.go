package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlekeep/klinevault/internal/vault"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the day-file store",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached day files",
	RunE:  runCacheLs,
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every day file against its sidecar",
	Long: `Verify reads every day file through the full integrity path. Files
that fail the checksum are quarantined, exactly as a cache hit would
have done.`,
	RunE: runCacheVerify,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached day files",
	RunE:  runCacheClear,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Prune quarantined and expired files now",
	RunE:  runCacheSweep,
}

var (
	cacheJSON     bool
	clearMarket   marketFlag
	clearInterval intervalFlag
	clearSymbol   string
	clearAll      bool
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheLsCmd, cacheVerifyCmd, cacheClearCmd, cacheSweepCmd)

	cacheLsCmd.Flags().BoolVar(&cacheJSON, "json", false, "JSON output")

	cacheClearCmd.Flags().Var(&clearMarket, "market", "only this market")
	cacheClearCmd.Flags().StringVar(&clearSymbol, "symbol", "", "only this symbol")
	cacheClearCmd.Flags().Var(&clearInterval, "interval", "only this interval")
	cacheClearCmd.Flags().BoolVar(&clearAll, "all", false, "clear the whole store")
}

// openStore builds the store directly; cache maintenance needs no
// network sources.
func openStore() (*vault.Store, error) {
	if !cfg.Cache.Enabled {
		return nil, errors.New("the cache is disabled in the configuration")
	}
	return vault.Open(cfg.Cache, logger, nil)
}

func runCacheLs(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	entries, err := store.Scan()
	if err != nil {
		return err
	}

	if cacheJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDAY\tROWS\tSIZE\tWRITTEN\tSTATE")
	for _, e := range entries {
		state := "ok"
		if e.Orphaned {
			state = "orphaned"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Key, e.Day.Format("2006-01-02"), e.Rows, e.SizeBytes,
			e.WrittenAt.Format(time.RFC3339), state)
	}
	w.Flush()

	st, err := store.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("%d files, %d series, %d rows, %d bytes\n",
		st.Files, st.Series, st.TotalRows, st.TotalBytes)
	return nil
}

func runCacheVerify(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	rep, err := store.VerifyAll(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("checked %d, healthy %d, quarantined %d\n",
		rep.Checked, rep.Healthy, len(rep.Quarantined))
	for _, name := range rep.Quarantined {
		fmt.Printf("  quarantined: %s\n", name)
	}
	if len(rep.Quarantined) > 0 {
		return fmt.Errorf("%d files failed verification", len(rep.Quarantined))
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	scoped := cmd.Flags().Changed("market") ||
		cmd.Flags().Changed("interval") || clearSymbol != ""
	if !scoped && !clearAll {
		return errors.New("refusing to clear the whole store without --all")
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	match := func(k vault.Key) bool {
		if cmd.Flags().Changed("market") && k.Market != clearMarket.val {
			return false
		}
		if clearSymbol != "" && !strings.EqualFold(k.Symbol, clearSymbol) {
			return false
		}
		if cmd.Flags().Changed("interval") && k.Interval != clearInterval.val {
			return false
		}
		return true
	}

	removed, err := store.Clear(cmd.Context(), match)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d files\n", removed)
	return nil
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	removed, err := store.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d files\n", removed)
	return nil
}
