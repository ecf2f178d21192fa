// OHLCV consolidator CLI.
//
// Every command loads the layered configuration (defaults, JSON file,
// OHLCV_* environment), builds the pipeline and calls one trigger on it.
//
// Usage:
//
//	ohlcv run
//	ohlcv once
//	ohlcv backfill
//	ohlcv gaps --symbol BTC-USD --timeframe 1h --days 7
//	ohlcv export --symbol BTC-USD --timeframe 1h --start 2024-01-01 --end 2024-01-31 --out btc.parquet
//	ohlcv migrate
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/collector"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-consolidator/internal/errors"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/export"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/logger"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

const (
	Version = "1.0.0"
	AppName = "ohlcv"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
	ExitStoreError  = 3
	ExitDegraded    = 4
	ExitInterrupt   = 130
)

// errDegraded marks a run that finished but abandoned some work.
var errDegraded = errors.New("run finished with dead letters or disabled units")

type CLI struct {
	configPath string
	config     *config.AppConfig
	logs       *logger.Manager
	logger     *slog.Logger
	collector  *collector.Collector
	stdout     io.Writer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return ExitConfigError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, args := args[0], args[1:]
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(os.Stdout, args[0])
		} else {
			printUsage(os.Stdout)
		}
		return ExitSuccess
	}

	handlers := map[string]func(*CLI, context.Context, []string) error{
		"run":      (*CLI).handleRun,
		"once":     (*CLI).handleOnce,
		"backfill": (*CLI).handleBackfill,
		"gaps":     (*CLI).handleGaps,
		"export":   (*CLI).handleExport,
		"migrate":  (*CLI).handleMigrate,
	}
	handle, ok := handlers[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage(os.Stderr)
		return ExitConfigError
	}

	cli := &CLI{stdout: os.Stdout}
	err := handle(cli, ctx, args)
	if cli.collector != nil {
		if cerr := cli.collector.Close(); cerr != nil && cli.logger != nil {
			cli.logger.Warn("failed to close collector", "error", cerr)
		}
	}
	code := exitCode(ctx, err)
	if err != nil && code != ExitSuccess {
		if cli.logger != nil {
			cli.logger.Error("command failed", "command", command, "error", err, "exit_code", code)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
	return code
}

// exitCode maps a command error onto the process exit status.
func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, flag.ErrHelp):
		return ExitSuccess
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.Is(err, errDegraded):
		return ExitDegraded
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindConfiguration:
		return ExitConfigError
	case apperrors.KindPersistenceFailure:
		return ExitStoreError
	default:
		return ExitFailure
	}
}

// usageError wraps a flag problem as a configuration error.
func usageError(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return apperrors.Configuration("cli", err)
}

func (cli *CLI) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cli.configPath, "config", "", "path to a JSON config file (default $OHLCV_CONFIG_PATH)")
	fs.Usage = func() { printCommandHelp(os.Stdout, name) }
	return fs
}

func (cli *CLI) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() > 0 {
		return usageError(fmt.Errorf("unexpected argument %q", fs.Arg(0)))
	}
	return nil
}

// initialize loads configuration, sets up logging, builds the pipeline and
// prepares the store.
func (cli *CLI) initialize(ctx context.Context) error {
	cfg, err := config.NewManager(cli.configPath, slog.New(slog.NewTextHandler(io.Discard, nil))).Load(ctx)
	if err != nil {
		return apperrors.Configuration("cli", err)
	}
	cli.config = cfg

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return apperrors.Configuration("cli", fmt.Errorf("failed to setup logging: %w", err))
	}
	cli.logs = logs
	cli.logger = logs.Component("cli")
	cli.logger.DebugContext(ctx, "configuration loaded", "config", cfg.String())

	c, err := collector.Build(cfg, collector.WithLogger(logs.Logger()))
	if err != nil {
		return err
	}
	cli.collector = c
	return c.Initialize(ctx)
}

func (cli *CLI) handleRun(ctx context.Context, args []string) error {
	if err := cli.parse(cli.flags("run"), args); err != nil {
		return err
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "Running %d series across %d providers, press Ctrl+C to stop\n",
		len(cli.collector.Series()), len(cli.config.EnabledProviders()))
	if err := cli.collector.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (cli *CLI) handleOnce(ctx context.Context, args []string) error {
	if err := cli.parse(cli.flags("once"), args); err != nil {
		return err
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}
	sum, err := cli.collector.RunOnce(ctx)
	cli.printSummary(sum)
	if err != nil {
		return err
	}
	if sum.Degraded() {
		return errDegraded
	}
	return nil
}

func (cli *CLI) handleBackfill(ctx context.Context, args []string) error {
	if err := cli.parse(cli.flags("backfill"), args); err != nil {
		return err
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}
	plan, sum, err := cli.collector.Backfill(ctx)
	fmt.Fprintf(cli.stdout, "Planned %d gaps: %d tasks enqueued, %d duplicates, %d without a provider, %d known empty\n",
		len(plan.Gaps), plan.Enqueued, plan.Duplicates, plan.Unassigned, plan.Barren)
	cli.printSummary(sum)
	if err != nil {
		return err
	}
	if sum.Degraded() {
		return errDegraded
	}
	return nil
}

func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	fs := cli.flags("gaps")
	symbol := fs.String("symbol", "", "symbol to inspect (required)")
	tf := fs.String("timeframe", "1h", "timeframe")
	days := fs.Int("days", 7, "lookback in days")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := cli.parse(fs, args); err != nil {
		return err
	}
	if *symbol == "" {
		return usageError(errors.New("--symbol is required"))
	}
	timeframe, err := models.ParseTimeframe(*tf)
	if err != nil {
		return usageError(err)
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}

	gaps, err := cli.collector.Gaps(ctx, *symbol, timeframe, *days)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(cli.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(gaps)
	}
	if len(gaps) == 0 {
		fmt.Fprintf(cli.stdout, "No gaps for %s %s in the last %d days\n", *symbol, timeframe, *days)
		return nil
	}
	fmt.Fprintf(cli.stdout, "Found %d gaps for %s %s:\n", len(gaps), *symbol, timeframe)
	for i, g := range gaps {
		fmt.Fprintf(cli.stdout, "%3d. %s to %s (%d missing)\n", i+1,
			time.Unix(g.Start, 0).UTC().Format(time.DateTime),
			time.Unix(g.End, 0).UTC().Format(time.DateTime),
			g.Missing())
	}
	return nil
}

func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	fs := cli.flags("export")
	symbol := fs.String("symbol", "", "symbol to export (required)")
	tf := fs.String("timeframe", "1h", "timeframe")
	start := fs.String("start", "", "first open time: YYYY-MM-DD, RFC3339 or unix seconds (required)")
	end := fs.String("end", "", "last open time, same formats (default now)")
	out := fs.String("out", "", "output Parquet file (required)")
	upload := fs.Bool("upload", false, "upload the file to the configured bucket")
	if err := cli.parse(fs, args); err != nil {
		return err
	}
	if *symbol == "" || *out == "" || *start == "" {
		return usageError(errors.New("--symbol, --start and --out are required"))
	}
	timeframe, err := models.ParseTimeframe(*tf)
	if err != nil {
		return usageError(err)
	}
	from, err := parseTime(*start)
	if err != nil {
		return usageError(fmt.Errorf("invalid --start: %w", err))
	}
	to := time.Now().Unix()
	if *end != "" {
		if to, err = parseTime(*end); err != nil {
			return usageError(fmt.Errorf("invalid --end: %w", err))
		}
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}

	res, err := cli.collector.Export(ctx, export.Request{
		Symbol: *symbol, Timeframe: timeframe, Start: from, End: to, Path: *out, Upload: *upload,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "Wrote %d candles to %s (%d bytes)\n", res.Rows, res.Path, res.Size)
	if res.Object != "" {
		fmt.Fprintf(cli.stdout, "Uploaded to %s\n", res.Object)
	}
	return nil
}

func (cli *CLI) handleMigrate(ctx context.Context, args []string) error {
	if err := cli.parse(cli.flags("migrate"), args); err != nil {
		return err
	}
	if err := cli.initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "Store schema is up to date (%s)\n", cli.config.Storage.Backend)
	return nil
}

func (cli *CLI) printSummary(sum collector.Summary) {
	r := sum.Consolidated
	fmt.Fprintf(cli.stdout, "Fetched %d pages (%d rate limited, %d failed); consolidated %d observations into %d rows, %d new or upgraded, %d conflicts\n",
		sum.Scheduler.Calls, sum.Scheduler.RateLimited, sum.Scheduler.Transient+sum.Scheduler.Permanent,
		r.Observations, r.Rows, r.Affected, r.Conflicts)
	if sum.Degraded() {
		fmt.Fprintf(cli.stdout, "Degraded: %d queue dead letters, %d fetch dead letters, %d disabled units\n",
			sum.DeadLetters, sum.FetchDeadLetters, len(sum.DisabledUnits))
		for _, k := range sum.DisabledUnits {
			fmt.Fprintf(cli.stdout, "  disabled %s\n", k)
		}
	}
}

// parseTime accepts a date, an RFC3339 timestamp or unix seconds.
func parseTime(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("use YYYY-MM-DD, RFC3339 or unix seconds: %w", err)
	}
	return t.Unix(), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s %s - multi-provider OHLCV ingestion and consolidation

Usage:
  %s <command> [flags]

Commands:
  run        Schedule fetches, consolidate and backfill until interrupted
  once       Fetch every unit once, then drain the queue
  backfill   Plan one backfill cycle, then fetch and drain
  gaps       List missing buckets of a series
  export     Write a series range to Parquet, optionally uploading it
  migrate    Apply the store schema

Every command accepts --config <file>. Settings may also come from
OHLCV_* environment variables and a .env file.

Exit codes:
  0 success, 1 failure, 2 configuration or usage error,
  3 store failure, 4 finished with abandoned work, 130 interrupted
`, AppName, Version, AppName)
}

func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "run":
		fmt.Fprintln(w, "Usage: ohlcv run [--config file]\n\nRuns provider lanes, consolidation workers, the backfill planner and the\nmetrics server until SIGINT or SIGTERM.")
	case "once":
		fmt.Fprintln(w, "Usage: ohlcv once [--config file]\n\nSweeps every configured unit once and drains the queue. Exits 4 when\nmessages were dead lettered or units were disabled.")
	case "backfill":
		fmt.Fprintln(w, "Usage: ohlcv backfill [--config file]\n\nDetects gaps over backfill.lookback_days, assigns them to providers\nand fetches them.")
	case "gaps":
		fmt.Fprintln(w, "Usage: ohlcv gaps --symbol BTC-USD [--timeframe 1h] [--days 7] [--json]")
	case "export":
		fmt.Fprintln(w, "Usage: ohlcv export --symbol BTC-USD --start 2024-01-01 [--end 2024-02-01]\n                    [--timeframe 1h] --out file.parquet [--upload]")
	case "migrate":
		fmt.Fprintln(w, "Usage: ohlcv migrate [--config file]")
	default:
		fmt.Fprintf(w, "Unknown command '%s'\n", command)
		printUsage(w)
	}
}
