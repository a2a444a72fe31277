package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nikiz24/emf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type sendOptions struct {
	configPath string
	endpoint   string
	namespace  string
	logGroup   string
	metrics    []string
	dimensions []string
	properties []string
	count      int
	runtime    bool
	budget     time.Duration
	verbose    bool
}

func newSendCommand() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build a metric document and send it to the agent",
		Example: `  emfctl send --endpoint tcp://127.0.0.1:25888 --log-group my-app \
    --dimension Operation=checkout --metric Latency=42:Milliseconds`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "config file (AWS_EMF_* environment variables take precedence)")
	f.StringVar(&opts.endpoint, "endpoint", "", "agent connection string, e.g. tcp://127.0.0.1:25888")
	f.StringVar(&opts.namespace, "namespace", "", "metric namespace")
	f.StringVar(&opts.logGroup, "log-group", "", "log group name the agent writes to")
	f.StringArrayVar(&opts.metrics, "metric", nil, "metric as name=value[:Unit], repeatable")
	f.StringArrayVar(&opts.dimensions, "dimension", nil, "dimension as name=value, repeatable")
	f.StringArrayVar(&opts.properties, "property", nil, "property as name=value, repeatable")
	f.IntVar(&opts.count, "count", 1, "number of documents to send")
	f.BoolVar(&opts.runtime, "runtime", false, "include Go runtime metrics of this process")
	f.DurationVar(&opts.budget, "budget", 5*time.Second, "time to wait for delivery before giving up")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runSend(cmd *cobra.Command, opts *sendOptions) error {
	cfg, err := emf.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.endpoint != "" {
		cfg.AgentEndpoint = opts.endpoint
	}
	if opts.namespace != "" {
		cfg.Namespace = opts.namespace
	}
	if opts.logGroup != "" {
		cfg.LogGroupName = opts.logGroup
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	agentCfg := emf.DefaultAgentConfig()
	agentCfg.Endpoint = cfg.AgentEndpoint
	agentCfg.Logger = logger
	sink, err := emf.NewAgentSink(agentCfg)
	if err != nil {
		return err
	}

	m := emf.NewMetrics(sink, cfg)
	for i := 0; i < opts.count; i++ {
		if err := record(m, opts); err != nil {
			sink.Shutdown(0)
			return err
		}
		if err := m.Flush(); err != nil {
			sink.Shutdown(0)
			return err
		}
	}

	start := time.Now()
	sink.Shutdown(opts.budget)
	undelivered := opts.count - int(sink.Delivered())
	logger.Info("metrics sent",
		zap.String("endpoint", sink.Endpoint().String()),
		zap.Int("documents", opts.count),
		zap.Int("undelivered", undelivered),
		zap.Int("discarded", sink.Len()),
		zap.Duration("elapsed", time.Since(start)))
	if undelivered > 0 {
		return fmt.Errorf("%d documents were not delivered within %s", undelivered, opts.budget)
	}
	return nil
}

func record(m *emf.Metrics, opts *sendOptions) error {
	for _, d := range opts.dimensions {
		name, value, err := splitPair(d)
		if err != nil {
			return fmt.Errorf("dimension: %w", err)
		}
		m.PutDimension(name, value)
	}
	for _, p := range opts.properties {
		name, value, err := splitPair(p)
		if err != nil {
			return fmt.Errorf("property: %w", err)
		}
		m.SetProperty(name, value)
	}
	for _, s := range opts.metrics {
		name, value, unit, err := parseMetric(s)
		if err != nil {
			return err
		}
		m.PutMetric(name, value, unit)
	}
	if opts.runtime {
		emf.PutRuntimeMetrics(m)
	}
	return nil
}

// parseMetric parses name=value[:Unit].
func parseMetric(s string) (string, float64, emf.Unit, error) {
	name, rest, err := splitPair(s)
	if err != nil {
		return "", 0, "", fmt.Errorf("metric: %w", err)
	}
	raw, unit, _ := strings.Cut(rest, ":")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("metric %s: invalid value %q", name, raw)
	}
	return name, value, emf.Unit(unit), nil
}

func splitPair(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("expected name=value, got %q", s)
	}
	return name, value, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
