// Command klinevault fetches historical klines through the failover
// pipeline and serves the read-only query API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/candlekeep/klinevault/internal/config"
)

const version = "0.3.0"

var (
	cfgPath   string
	logLevel  string
	logFormat string

	// set by setup before any RunE fires
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "klinevault",
	Short:   "Candle retrieval with archive failover and a local Arrow cache",
	Version: version,
	Long: `klinevault answers kline queries from three sources in order: the
local day-file cache, the bulk archive, then the live API. Rows fetched
from the network are written back so the next identical query is served
from disk.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "auto, json or console (overrides config)")
}

// setup loads the optional .env file, then the config, then builds the
// process logger. Runs before every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, err = buildLogger(cfg.Log)
	return err
}

// buildLogger picks console output when stderr is a terminal and the
// format is "auto"; pipes and files get JSON lines.
func buildLogger(lc config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("unknown log level %q", lc.Level)
	}

	var out io.Writer = os.Stderr
	switch lc.Format {
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	case "json":
	case "auto", "":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		}
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", lc.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
