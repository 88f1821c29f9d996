package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/contact-trace/core"
	"github.com/signalsfoundry/contact-trace/internal/config"
	"github.com/signalsfoundry/contact-trace/internal/logging"
	"github.com/signalsfoundry/contact-trace/internal/observability"
	"github.com/signalsfoundry/contact-trace/internal/sim"
	"github.com/signalsfoundry/contact-trace/internal/traceio"
	"github.com/signalsfoundry/contact-trace/timectrl"
)

const usageLine = "usage: contact-trace [flags] <taxi-trace-source-dir> <contact-trace-dest-file>"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, logging.NewFromEnv()))
}

type cliFlags struct {
	configPath  string
	distance    float64
	window      int
	algorithm   string
	workers     int
	timeZone    string
	quiet       bool
	sorted      bool
	metricsAddr string
	metricsFile string
	trace       bool
}

func parseFlags(args []string, stderr io.Writer) (*flag.FlagSet, cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("contact-trace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageLine)
		fs.PrintDefaults()
	}

	fs.StringVar(&f.configPath, "config", "", "Path to a YAML file with run parameters")
	fs.Float64Var(&f.distance, "distance", core.DefaultDistanceMeters, "Contact range in metres (inclusive)")
	fs.IntVar(&f.window, "window", int(core.DefaultWindow/time.Second), "Forward time window in seconds (inclusive)")
	fs.StringVar(&f.algorithm, "algorithm", core.AlgorithmHaversine.String(), "Distance model: plane, haversine or vincenty")
	fs.IntVar(&f.workers, "workers", 0, "Concurrent detection units (0 = one per CPU, 1 = serial)")
	fs.StringVar(&f.timeZone, "tz", "UTC", "Time zone of the trace timestamps")
	fs.BoolVar(&f.quiet, "quiet", false, "Suppress progress reporting")
	fs.BoolVar(&f.sorted, "sorted", false, "Write contacts in sorted order")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write final metrics to this node_exporter textfile")
	fs.BoolVar(&f.trace, "trace", false, "Export OpenTelemetry spans for each run phase")

	err := fs.Parse(args)
	return fs, f, err
}

// flagOverrides applies the flags set on the command line, which take
// precedence over the config file and environment.
func flagOverrides(fs *flag.FlagSet, f cliFlags) func(*config.Params) {
	return func(p *config.Params) {
		fs.Visit(func(fl *flag.Flag) {
			switch fl.Name {
			case "distance":
				p.DistanceMeters = f.distance
			case "window":
				p.WindowSeconds = f.window
			case "algorithm":
				p.Algorithm = f.algorithm
			case "workers":
				p.Workers = f.workers
			case "tz":
				p.TimeZone = f.timeZone
			case "quiet":
				p.Verbose = !f.quiet
			case "sorted":
				p.SortOutput = f.sorted
			case "trace":
				p.Tracing.Enabled = f.trace
			}
		})
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, baseLog logging.Logger) int {
	fs, flags, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stdout, usageLine)
		return exitUsage
	}
	srcDir, destFile := fs.Arg(0), fs.Arg(1)

	ctx, log := logging.WithRunLogger(ctx, baseLog)

	params, err := config.Resolve(flags.configPath, os.LookupEnv, flagOverrides(fs, flags))
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return exitError
	}
	detection, err := params.DetectionParams()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return exitError
	}
	loc, err := params.Location()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return exitError
	}

	shutdownTracing, err := observability.InitTracing(ctx, params.TracingConfig(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return exitError
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	runMetrics, err := observability.NewRunCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return exitError
	}
	ingestMetrics, err := observability.NewIngestCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return exitError
	}
	if flags.metricsAddr != "" {
		srv := serveMetrics(flags.metricsAddr, runMetrics, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	if flags.metricsFile != "" {
		defer func() {
			if err := runMetrics.WriteTextfile(flags.metricsFile); err != nil {
				log.Warn(ctx, "failed to write metrics textfile", logging.Err(err))
			}
		}()
	}

	timer := timectrl.NewPhaseTimer(nil)
	timer.AddListener(func(p timectrl.PhaseTiming) {
		runMetrics.ObservePhase(p.Name, p.Duration)
	})

	log.Info(ctx, "run parameters",
		logging.Float64("distance_m", params.DistanceMeters),
		logging.Int("window_s", params.WindowSeconds),
		logging.String("algorithm", params.Algorithm),
		logging.Int("workers", params.Workers),
		logging.String("time_zone", params.TimeZone),
	)

	banner(stdout, "Mobility Trace loading")
	stopLoad := timer.Start("load")
	trace, loadStats, err := sim.FromDirectory(ctx, srcDir, detection,
		traceio.Options{
			Location: loc,
			Verbose:  params.Verbose,
			Logger:   log,
			Metrics:  ingestMetrics,
		},
		sim.WithWorkers(params.Workers),
		sim.WithLogger(log),
		sim.WithMetrics(runMetrics),
		sim.WithDuplicateRecorder(ingestMetrics),
		sim.WithProgress(progressLogger(ctx, log, params.Verbose)),
	)
	if err != nil {
		log.Error(ctx, "failed to load mobility trace", logging.String("dir", srcDir), logging.Err(err))
		return exitError
	}
	fmt.Fprintf(stdout, "Trace - loading: %dms\n", stopLoad().Milliseconds())
	log.Debug(ctx, "trace loaded",
		logging.Int("files", loadStats.Files),
		logging.Int("records", loadStats.Records),
		logging.Int("duplicates", loadStats.Duplicates),
	)

	banner(stdout, "Trace display")
	fmt.Fprintf(stdout, "Trace - current: %s\n", trace)

	banner(stdout, "Contact Trace generation")
	stopGenerate := timer.Start("generate")
	if err := trace.Generate(ctx); err != nil {
		log.Error(ctx, "failed to generate contact trace", logging.Err(err))
		return exitError
	}
	fmt.Fprintf(stdout, "Trace - generate: %dms\n", stopGenerate().Milliseconds())

	banner(stdout, "Trace display")
	fmt.Fprintf(stdout, "Trace - current: %s\n", trace)
	if summary, err := trace.Summary(ctx); err == nil {
		log.Info(ctx, "contact trace summary",
			logging.Int("vehicles", summary.Vehicles),
			logging.Int("vehicles_in_contact", summary.VehiclesInContact),
			logging.Int("pairs", summary.Pairs),
			logging.Duration("mean_lag", summary.MeanLag),
			logging.Duration("median_lag", summary.MedianLag),
			logging.Duration("p95_lag", summary.P95Lag),
		)
	}

	banner(stdout, "Contact Trace saving")
	stopSave := timer.Start("save")
	if _, err := trace.Dump(ctx, destFile, params.SortOutput); err != nil {
		log.Error(ctx, "failed to save contact trace", logging.String("path", destFile), logging.Err(err))
		return exitError
	}
	fmt.Fprintf(stdout, "Trace - saving: %dms\n", stopSave().Milliseconds())

	log.Info(ctx, "run complete", logging.Duration("total", timer.Total()))
	return exitOK
}

func banner(w io.Writer, title string) {
	rule := strings.Repeat("-", len(title))
	fmt.Fprintf(w, "%s\n%s\n%s\n", rule, title, rule)
}

func progressLogger(ctx context.Context, log logging.Logger, verbose bool) func(core.Progress) {
	if !verbose {
		return nil
	}
	return func(p core.Progress) {
		log.Info(ctx, "generating contacts",
			logging.String("stage", string(p.Phase)),
			logging.Int("percent", p.Percent),
		)
	}
}

func serveMetrics(addr string, collector *observability.RunCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
