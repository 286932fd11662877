package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"metrex/cache"
	"metrex/config"
	"metrex/extract"
	"metrex/output"
	"metrex/source"
)

// Exit codes: 0 all metrics extracted, 1 nothing extracted or bad request,
// 2 partial success (some metrics written, some failed).
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

type extractFlags struct {
	configPath string
	verbose    bool

	sourceType string
	url        string
	token      string
	org        string
	bucket     string

	metrics    []string
	allMetrics bool
	from       string
	to         string

	format   string
	outFile  string
	combined bool
	workers  int
	useCache bool
}

func main() {
	var flags extractFlags

	rootCmd := &cobra.Command{
		Use:           "metrex",
		Short:         "Extract raw time series from monitoring backends into columnar files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Pull metrics over a time window and materialize them",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runExtract(&flags))
			return nil
		},
	}

	ef := extractCmd.Flags()
	ef.StringVar(&flags.configPath, "config", "", "path to JSON configuration file")
	ef.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	ef.StringVar(&flags.sourceType, "source", "", "backend type: prometheus or influxdb")
	ef.StringVar(&flags.url, "url", "", "backend base URL")
	ef.StringVar(&flags.token, "token", "", "influxdb API token")
	ef.StringVar(&flags.org, "org", "", "influxdb organization")
	ef.StringVar(&flags.bucket, "bucket", "", "influxdb bucket")
	ef.StringSliceVarP(&flags.metrics, "metrics", "m", nil, "metric names or query expressions (comma-separated)")
	ef.BoolVar(&flags.allMetrics, "all-metrics", false, "extract every metric the backend advertises")
	ef.StringVar(&flags.from, "from", "", "window start, RFC3339 (default: earliest available sample)")
	ef.StringVar(&flags.to, "to", "", "window end, RFC3339, exclusive (default: now)")
	ef.StringVarP(&flags.format, "format", "f", "", "output format: parquet, hdf5, csv, json, feather")
	ef.StringVarP(&flags.outFile, "output-file", "o", "", "output file path (base path in separate-file mode)")
	ef.BoolVar(&flags.combined, "combined-output", false, "fold all metrics into one table and one file")
	ef.IntVar(&flags.workers, "workers", 0, "concurrent metric extractions")
	ef.BoolVar(&flags.useCache, "cache", false, "cache fetched sub-windows on disk")

	rootCmd.AddCommand(extractCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitFailed)
	}
}

// runExtract is the whole extraction pipeline: config, source, orchestrator,
// materialization, summary. It returns the process exit code so main can
// keep the os.Exit in one place.
func runExtract(flags *extractFlags) int {
	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}

	logger := newLogger(flags.verbose)

	format, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *rate.Limiter
	if cfg.Extraction.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Extraction.RateLimit), 1)
	}

	src, cleanup, err := newSource(cfg, logger, limiter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}
	defer cleanup()

	metrics := flags.metrics
	if flags.allMetrics {
		metrics, err = src.ListMetrics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: listing metrics: %v\n", err)
			return exitFailed
		}
		if len(metrics) == 0 {
			fmt.Fprintln(os.Stderr, "Error: backend advertises no metrics")
			return exitFailed
		}
		level.Info(logger).Log("msg", "discovered metrics", "count", len(metrics))
	}
	if len(metrics) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no metrics requested (use --metrics or --all-metrics)")
		return exitFailed
	}

	window, err := parseWindow(flags.from, flags.to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}

	// In separate-file mode the per-metric paths are derived up front so a
	// naming collision fails before any network I/O.
	paths := map[string]string{"": cfg.Output.File}
	if !cfg.Output.Combined {
		paths, err = extract.DerivePaths(cfg.Output.File, metrics)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return exitFailed
		}
	}

	ex := extract.New(logger, cfg.Extraction.Workers)
	if cfg.Cache.Enabled {
		c, err := cache.Open(cfg.Cache.Path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: opening cache: %v\n", err)
			return exitFailed
		}
		defer c.Close()
		ex = ex.WithCache(c)
	}

	res, err := ex.Extract(ctx, src, metrics, extract.Options{
		Window:   window,
		Combined: cfg.Output.Combined,
		Hints: source.QueryHints{
			MaxPointsPerRequest: cfg.Extraction.MaxPointsPerRequest,
			NativeStep:          cfg.NativeStep(),
		},
	})
	if err != nil {
		if res == nil { // config error, nothing ran
			fmt.Fprintln(os.Stderr, "Error:", err)
			return exitFailed
		}
		// All metrics failed; still print the summary below.
	}

	written := 0
	if cfg.Output.Combined {
		if res.Combined != nil && !res.AllFailed() {
			if werr := output.Write(res.Combined, format, cfg.Output.File); werr != nil {
				fmt.Fprintln(os.Stderr, "Error:", werr)
				return exitFailed
			}
			written = 1
		}
	} else {
		for _, metric := range res.Order {
			tbl, ok := res.Tables[metric]
			if !ok {
				continue
			}
			if werr := output.Write(tbl, format, paths[metric]); werr != nil {
				fmt.Fprintln(os.Stderr, "Error:", werr)
				res.Status[metric] = extract.MetricStatus{State: extract.StateFailed, Err: werr}
				continue
			}
			written++
		}
	}

	printSummary(res, cfg, paths)

	failed := res.Failed()
	switch {
	case len(failed) == 0 && written > 0:
		return exitOK
	case written == 0:
		return exitFailed
	default:
		return exitPartial
	}
}

// loadConfig merges the optional config file with the CLI flags; flags win.
func loadConfig(flags *extractFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
	}

	if flags.sourceType != "" {
		cfg.Source.Type = flags.sourceType
	}
	if flags.url != "" {
		cfg.Source.URL = flags.url
	}
	if flags.token != "" {
		cfg.Source.Token = flags.token
	}
	if flags.org != "" {
		cfg.Source.Org = flags.org
	}
	if flags.bucket != "" {
		cfg.Source.Bucket = flags.bucket
	}
	if flags.format != "" {
		cfg.Output.Format = flags.format
	}
	if flags.outFile != "" {
		cfg.Output.File = flags.outFile
	}
	if flags.combined {
		cfg.Output.Combined = true
	}
	if flags.workers > 0 {
		cfg.Extraction.Workers = flags.workers
	}
	if flags.useCache {
		cfg.Cache.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func newSource(cfg *config.Config, logger log.Logger, limiter *rate.Limiter) (source.DataSource, func(), error) {
	switch cfg.Source.Type {
	case "prometheus":
		src, err := source.NewPrometheusSource(source.PrometheusConfig{
			URL:     cfg.Source.URL,
			Headers: cfg.Source.Headers,
			Timeout: cfg.RequestTimeout(),
		}, logger, limiter)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	case "influxdb":
		src, err := source.NewInfluxSource(source.InfluxConfig{
			URL:         cfg.Source.URL,
			Token:       cfg.Source.Token,
			Org:         cfg.Source.Org,
			Bucket:      cfg.Source.Bucket,
			Measurement: cfg.Source.Measurement,
			Timeout:     cfg.RequestTimeout(),
		}, logger, limiter)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown source type: %q", cfg.Source.Type)
	}
}

// parseWindow builds the half-open extraction window from the flag values.
// Empty flags leave the corresponding boundary unbounded for the
// orchestrator to resolve.
func parseWindow(from, to string) (source.TimeWindow, error) {
	var w source.TimeWindow
	var err error
	if from != "" {
		w.Start, err = time.Parse(time.RFC3339, from)
		if err != nil {
			return w, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		w.End, err = time.Parse(time.RFC3339, to)
		if err != nil {
			return w, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if err := w.Validate(); err != nil {
		return w, err
	}
	return w, nil
}

func printSummary(res *extract.Result, cfg *config.Config, paths map[string]string) {
	fmt.Println()
	for _, metric := range res.Order {
		st := res.Status[metric]
		switch st.State {
		case extract.StateOK:
			if cfg.Output.Combined {
				fmt.Printf("  ok        %-40s -> %s\n", metric, cfg.Output.File)
				continue
			}
			if tbl := res.Tables[metric]; tbl != nil {
				fmt.Printf("  ok        %-40s %d rows, %d series -> %s\n",
					metric, tbl.NumRows(), tbl.NumSeries(), paths[metric])
			}
		case extract.StateNotFound:
			fmt.Printf("  not found %s\n", metric)
		default:
			fmt.Printf("  failed    %-40s %v\n", metric, st.Err)
		}
	}

	failed := res.Failed()
	fmt.Printf("\n%d/%d metrics extracted", len(res.Order)-len(failed), len(res.Order))
	if len(failed) > 0 {
		fmt.Printf(" (failed: %s)", strings.Join(failed, ", "))
	}
	fmt.Println()
}
