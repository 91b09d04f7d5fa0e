package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/clock"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/config"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/metrics"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/pipeline"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/render"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/store"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

type options struct {
	gpu, cpu, disk, network, memory bool

	verbose    bool
	json       bool
	prometheus bool

	configPath   string
	envFile      string
	textfile     string
	sqlitePath   string
	retention    time.Duration
	timeout      time.Duration
	disableRules []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, utilexec.New(), clock.RealClock{})
	stop()
	klog.Flush()
	os.Exit(code)
}

func newFlagSet(o *options, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("gpudoctor", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.BoolVarP(&o.gpu, "gpu", "g", false, "collect accelerator metrics")
	fs.BoolVarP(&o.cpu, "cpu", "c", false, "collect compute process metrics")
	fs.BoolVarP(&o.disk, "disk", "d", false, "collect block device metrics")
	fs.BoolVarP(&o.network, "network", "n", false, "collect network interface metrics")
	fs.BoolVarP(&o.memory, "memory", "m", false, "collect host memory metrics")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "show throttle reasons, source availability and finding evidence")
	fs.BoolVar(&o.json, "json", false, "print the report as JSON")
	fs.BoolVar(&o.prometheus, "prometheus", false, "print the report in the Prometheus text format")
	fs.StringVar(&o.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&o.envFile, "env-file", "", "path to a .env file with GPUDOCTOR_* variables")
	fs.StringVar(&o.textfile, "textfile", "", "write metrics for the node_exporter textfile collector to this path")
	fs.StringVar(&o.sqlitePath, "sqlite", "", "append the report to this SQLite database")
	fs.DurationVar(&o.retention, "retention", 0, "with --sqlite, drop stored reports older than this (0 keeps all)")
	fs.DurationVar(&o.timeout, "timeout", 0, "default per-probe timeout")
	fs.StringSliceVar(&o.disableRules, "disable-rule", nil, "disable an inference rule by label (repeatable)")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	// klog's -v collides with --verbose; its verbosity stays reachable as --log-v.
	klogFlags.VisitAll(func(f *goflag.Flag) {
		name := f.Name
		if name == "v" {
			name = "log-v"
		}
		fs.AddGoFlag(&goflag.Flag{Name: name, Usage: f.Usage, Value: f.Value, DefValue: f.DefValue})
	})
	return fs
}

// run executes one cycle and returns the process exit status. Findings never
// change the status; only configuration failures do.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, e utilexec.Interface, clk clock.Clock) int {
	var o options
	fs := newFlagSet(&o, stderr)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "error: unexpected argument: %s\n", fs.Arg(0))
		return 1
	}

	cfg, err := loadConfig(fs, &o)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	sources, err := selectSources(cfg, &o)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	report := pipeline.New(cfg, sources, e, clk).Run(ctx)

	if err := printReport(stdout, report, cfg.Output); err != nil {
		klog.ErrorS(err, "Failed to print report")
	}
	writeSinks(ctx, report, cfg.Output)
	return 0
}

func loadConfig(fs *pflag.FlagSet, o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return nil, err
	}

	if fs.Changed("verbose") {
		cfg.Output.Verbose = o.verbose
	}
	if fs.Changed("json") {
		cfg.Output.JSON = o.json
	}
	if fs.Changed("prometheus") {
		cfg.Output.Prometheus = o.prometheus
	}
	if fs.Changed("textfile") {
		cfg.Output.TextfilePath = o.textfile
	}
	if fs.Changed("sqlite") {
		cfg.Output.SQLitePath = o.sqlitePath
	}
	if fs.Changed("retention") {
		cfg.Output.Retention = o.retention
	}
	if fs.Changed("timeout") {
		cfg.Sources.Timeout = o.timeout
	}
	for _, label := range o.disableRules {
		if err := cfg.SetRuleEnabled(types.Label(label), false); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// selectSources maps the feature toggles onto metric sources. Without any
// toggle the configured set is used.
func selectSources(cfg *config.Config, o *options) (sets.Set[types.MetricSource], error) {
	toggles := []struct {
		on  bool
		src types.MetricSource
	}{
		{o.gpu, types.SourceAccelerator},
		{o.cpu, types.SourceProcessCompute},
		{o.disk, types.SourceDisk},
		{o.network, types.SourceNetwork},
		{o.memory, types.SourceHostMemory},
	}

	sources := sets.New[types.MetricSource]()
	for _, t := range toggles {
		if t.on {
			sources.Insert(t.src)
		}
	}
	if sources.Len() > 0 {
		return sources, nil
	}
	return cfg.EnabledSources()
}

func printReport(w io.Writer, report *types.Report, out config.OutputConfig) error {
	switch {
	case out.JSON:
		return store.WriteJSON(w, report)
	case out.Prometheus:
		exporter := metrics.NewExporter()
		exporter.Publish(report)
		return exporter.WriteTo(w)
	default:
		return render.Report(w, report, render.Options{Verbose: out.Verbose})
	}
}

// writeSinks persists the report. Sink failures are logged and do not affect
// the exit status.
func writeSinks(ctx context.Context, report *types.Report, out config.OutputConfig) {
	if out.TextfilePath != "" {
		exporter := metrics.NewExporter()
		exporter.Publish(report)
		if err := exporter.WriteTextfile(out.TextfilePath); err != nil {
			klog.ErrorS(err, "Failed to write metrics textfile", "path", out.TextfilePath)
		} else {
			klog.V(2).InfoS("Wrote metrics textfile", "path", out.TextfilePath)
		}
	}

	if out.SQLitePath != "" {
		s, err := store.NewSQLiteStore(out.SQLitePath)
		if err != nil {
			klog.ErrorS(err, "Failed to open report store", "path", out.SQLitePath)
			return
		}
		defer s.Close()

		id, err := s.Save(ctx, report)
		if err != nil {
			klog.ErrorS(err, "Failed to save report", "path", out.SQLitePath)
			return
		}
		klog.V(2).InfoS("Saved report", "id", id, "path", out.SQLitePath)

		if out.Retention > 0 {
			cutoff := report.Snapshot.Timestamp.Add(-out.Retention)
			if _, err := s.Cleanup(ctx, cutoff); err != nil {
				klog.ErrorS(err, "Failed to prune stored reports", "path", out.SQLitePath, "cutoff", cutoff)
			}
		}
	}
}
