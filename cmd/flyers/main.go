package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-flyers/config"
	"github.com/aluiziolira/go-scrape-flyers/models"
	"github.com/aluiziolira/go-scrape-flyers/pipeline"
	"github.com/aluiziolira/go-scrape-flyers/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	envFile := ".env"
	if value, ok := config.EnvString("FLYERS_ENV_FILE"); ok {
		envFile = value
	}
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	configs, verbose, err := loadConfigs(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if addr := configs[0].MetricsAddr; addr != "" {
		metricsServer = &http.Server{
			Addr:    addr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", addr))
	}

	exitCode := 0
	for _, cfg := range configs {
		slog.Info("starting fetch",
			slog.String("merchant", cfg.MerchantQuery),
			slog.String("postal_code", cfg.PostalCode),
			slog.Int("window_days", cfg.WindowDays),
			slog.String("output", outputPath(cfg)),
		)

		summary, err := runJob(ctx, cfg, metrics, nil)
		if err != nil {
			slog.Error("fetch failed",
				slog.String("merchant", cfg.MerchantQuery),
				slog.String("error_type", scraper.ErrorLabel(err)),
				slog.Any("error", err),
			)
			exitCode = 1
			break
		}
		printSummary(os.Stdout, cfg, summary)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	os.Exit(exitCode)
}

// loadConfigs resolves the job list. Precedence, lowest first: defaults,
// preset, FLYERS_* environment, explicit flags. A job file expands the
// resolved configuration into one config per job.
func loadConfigs(fs *flag.FlagSet, args []string) ([]*config.Config, bool, error) {
	preset := fs.String("preset", "", "Merchant preset: "+strings.Join(config.Presets(), ", "))
	jobsFile := fs.String("jobs", "", "YAML job file listing several merchants")
	endpoint := fs.String("endpoint", "", "Flyer search endpoint")
	postalCode := fs.String("postal-code", "", "Postal code to search near")
	merchant := fs.String("merchant", "", "Merchant search query")
	store := fs.String("store", "", "Store label written to each row")
	output := fs.String("output", "", "Output file path")
	format := fs.String("format", "", "Output format: csv, json, or dual")
	windowDays := fs.Int("window-days", 0, fmt.Sprintf("Keep items valid within the last N days (%d disables)", config.NoWindow))
	onFormatError := fs.String("on-format-error", "", "On non-JSON pages: stop or propagate")
	timeout := fs.Duration("timeout", 0, "Per-request timeout")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	cfg := config.DefaultConfig()
	presetName := *preset
	if presetName == "" {
		presetName, _ = config.EnvString("FLYERS_PRESET")
	}
	if presetName != "" {
		if err := cfg.ApplyPreset(presetName); err != nil {
			return nil, false, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, false, fmt.Errorf("invalid environment: %w", err)
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "postal-code":
			cfg.PostalCode = *postalCode
		case "merchant":
			cfg.MerchantQuery = *merchant
		case "store":
			cfg.StoreLabel = *store
		case "output":
			cfg.OutputFile = *output
		case "format":
			cfg.OutputFormat = strings.ToLower(*format)
		case "window-days":
			cfg.WindowDays = *windowDays
		case "on-format-error":
			policy, err := config.ParseFormatErrorPolicy(*onFormatError)
			if err != nil {
				flagErr = err
				return
			}
			cfg.OnFormatError = policy
		case "timeout":
			cfg.Timeout = *timeout
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})
	if flagErr != nil {
		return nil, false, flagErr
	}

	if *jobsFile != "" {
		configs, err := config.LoadJobs(*jobsFile, cfg)
		if err != nil {
			return nil, false, err
		}
		return configs, cfg.Verbose, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return []*config.Config{cfg}, cfg.Verbose, nil
}

type jobSummary struct {
	result   *models.ScraperResult
	written  int64
	invalid  int
	duration time.Duration
}

// runJob fetches every page first and only then opens the output, so a failed
// fetch leaves the file untouched.
func runJob(ctx context.Context, cfg *config.Config, metrics *scraper.Metrics, transport http.RoundTripper) (*jobSummary, error) {
	startTime := time.Now()

	f, err := scraper.NewFetcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialising fetcher: %w", err)
	}
	if metrics != nil {
		f.Metrics = metrics
	}
	if transport != nil {
		f.SetTransport(transport)
	}

	result, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	p := pipeline.NewPipeline(ctx, writer, cfg)
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	processErr := p.Process(result.Rows...)
	if err := errors.Join(processErr, p.Shutdown()); err != nil {
		return nil, fmt.Errorf("writing rows: %w", err)
	}

	invalid := 0
	if validation, ok := p.GetMetrics()["validation_errors"].(map[string]int); ok {
		for _, n := range validation {
			invalid += n
		}
	}

	return &jobSummary{
		result:   result,
		written:  p.Written(),
		invalid:  invalid,
		duration: time.Since(startTime),
	}, nil
}

// outputPath is the file a job reports as saved. JSON output never shares
// the CSV path, so a later CSV run still starts the file with its header.
func outputPath(cfg *config.Config) string {
	if cfg.OutputFormat == "json" {
		return pipeline.JSONSibling(cfg.OutputFile)
	}
	return cfg.OutputFile
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(pipeline.JSONSibling(filename))
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		return pipeline.NewDualWriter(filename, pipeline.JSONSibling(filename))
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(w io.Writer, cfg *config.Config, s *jobSummary) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	if cfg.Windowed() {
		fmt.Fprintf(w, "Kept %d %s items within the last %d days, saved to %s\n", s.written, cfg.StoreLabel, cfg.WindowDays, outputPath(cfg))
	} else {
		fmt.Fprintf(w, "Wrote %d %s items to %s\n", s.written, cfg.StoreLabel, outputPath(cfg))
	}

	r := s.result
	fmt.Fprintf(w, "  Pages:         %d\n", r.PageCount)
	fmt.Fprintf(w, "  Items seen:    %d\n", r.ItemsSeen)
	if cfg.Windowed() {
		fmt.Fprintf(w, "  Out of window: %d\n", r.FilteredCount)
	}
	fmt.Fprintf(w, "  Incomplete:    %d\n", r.DiscardedCount+s.invalid)
	if r.StoppedOnFormatError {
		fmt.Fprintln(w, "  Stopped early: non-JSON response")
	}
	fmt.Fprintf(w, "  Duration:      %v\n", s.duration)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
