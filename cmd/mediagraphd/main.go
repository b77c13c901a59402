// Package main implements mediagraphd, a process hosting one media graph
// context with its metrics endpoint and optional NATS link events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/mediagraph/config"
	"github.com/c360/mediagraph/core"
	"github.com/c360/mediagraph/events"
	"github.com/c360/mediagraph/health"
	"github.com/c360/mediagraph/metric"
	"github.com/c360/mediagraph/natsclient"
	"github.com/c360/mediagraph/pkg/retry"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/plugin/testnode"
	"github.com/c360/mediagraph/pod"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mediagraphd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// daemon is everything run owns between startup and shutdown.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	graph    *core.Context
	nats     *natsclient.Client
	emitter  *events.Emitter
	server   *metric.Server

	shutdownTimeout time.Duration
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.usage()
		return nil
	}

	loader, cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := setupLogger(os.Stdout, level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "layers", cli.ConfigPaths)
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	d := &daemon{
		cfg:             cfg,
		logger:          logger,
		registry:        metric.NewMetricsRegistry(),
		monitor:         health.NewMonitor(),
		shutdownTimeout: cli.ShutdownTimeout,
	}
	if cli.Monitor {
		return d.runMonitor(signalCtx, os.Stdout)
	}

	logger.Info("Starting mediagraphd",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cli.ConfigPaths)

	if err := d.setup(signalCtx, cli.Demo); err != nil {
		_ = d.shutdown()
		return err
	}

	watcher := config.NewWatcher(loader, config.NewSafeConfig(cfg),
		config.WithWatchLogger(logger),
		config.WithOnChange(func(next *config.Config) {
			if cli.LogLevel == "" {
				level.Set(parseLevel(next.Log.Level))
			}
			logger.Info("Configuration reloaded; graph and events settings apply on restart",
				"log_level", level.Level().String())
		}))

	logger.Info("mediagraphd started", "instance", d.graph.ID())
	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error { return d.graph.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mediagraphd stopped", "error", err)
	}
	logger.Info("Received shutdown signal")

	if err := d.shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("mediagraphd shutdown complete")
	return nil
}

// loadConfig layers the files named on the command line over the defaults.
// Log flags win over every layer.
func loadConfig(cli *CLIConfig) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	return loader, cfg, nil
}

func (d *daemon) setup(ctx context.Context, demo bool) error {
	graph, err := core.NewContext(d.cfg.Core(),
		core.WithLogger(d.logger),
		core.WithMetrics(d.registry.CoreMetrics()))
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	d.graph = graph

	if d.cfg.Events.Enabled {
		if err := d.setupEvents(ctx); err != nil {
			return err
		}
	}

	if err := graph.Start(); err != nil {
		return fmt.Errorf("start data loops: %w", err)
	}
	if demo {
		if err := buildDemoGraph(graph); err != nil {
			return fmt.Errorf("build demo graph: %w", err)
		}
	}

	if d.cfg.Metrics.Enabled {
		d.server = metric.NewServer(d.cfg.Metrics.Port, d.cfg.Metrics.Path, d.registry, d.health)
		// Started from the control loop so that /health always finds it entered.
		graph.Loop().Post(func() {
			if err := d.server.Start(); err != nil {
				d.logger.Error("Metrics server failed", "error", err)
				return
			}
			d.logger.Info("Metrics server listening", "address", d.server.Address())
		})
	}
	return nil
}

// natsOptions maps the events section onto the client. Drains are bounded by
// the shutdown timeout.
func (d *daemon) natsOptions() []natsclient.ClientOption {
	ec := d.cfg.Events
	metrics := d.registry.CoreMetrics()
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger),
		natsclient.WithName(d.clientName()),
		natsclient.WithMaxReconnects(ec.MaxReconnects),
		natsclient.WithReconnectWait(time.Duration(ec.ReconnectWait)),
		natsclient.WithPingInterval(time.Duration(ec.PingInterval)),
		natsclient.WithDrainTimeout(d.shutdownTimeout),
		natsclient.WithTimeout(time.Duration(ec.ConnectTimeout)),
		natsclient.WithHealthInterval(time.Duration(ec.HealthInterval)),
		natsclient.WithCircuitBreakerThreshold(ec.CircuitThreshold),
		natsclient.WithMaxBackoff(time.Duration(ec.MaxBackoff)),
		natsclient.WithTLS(ec.TLSCertFile, ec.TLSKeyFile, ec.TLSCAFile),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			d.logger.Info("NATS health changed", "healthy", healthy)
		}),
		natsclient.WithDisconnectCallback(func(err error) {
			metrics.RecordConnectionEvent("disconnect")
			d.logger.Info("Link events are dropped until NATS reconnects", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			metrics.RecordConnectionEvent("reconnect")
			d.logger.Info("Link events resumed after NATS reconnect")
		}),
	}
	if ec.CredsFile != "" {
		opts = append(opts, natsclient.WithCredsFile(ec.CredsFile))
	}
	if ec.Token != "" {
		opts = append(opts, natsclient.WithToken(ec.Token))
	}
	if ec.Username != "" {
		opts = append(opts, natsclient.WithCredentials(ec.Username, ec.Password))
	}
	return opts
}

func (d *daemon) clientName() string {
	if d.graph != nil {
		return fmt.Sprintf("%s-%s", appName, d.graph.ID())
	}
	return fmt.Sprintf("%s-monitor-%d", appName, os.Getpid())
}

func (d *daemon) connectNATS(ctx context.Context) error {
	nc, err := natsclient.NewClient(strings.Join(d.cfg.Events.URLs, ","), d.natsOptions()...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	d.nats = nc
	if err := nc.Connect(ctx); err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	return nil
}

func (d *daemon) setupEvents(ctx context.Context) error {
	ec := d.cfg.Events
	if err := d.connectNATS(ctx); err != nil {
		return err
	}

	if ec.Stream != "" {
		subjects := []string{ec.SubjectPrefix + ".link.>"}
		// JetStream may still be electing a leader right after connect.
		stream, err := retry.DoWithResult(ctx, d.cfg.EventsConfig().Retry, func() (jetstream.Stream, error) {
			return d.nats.EnsureStream(ctx, ec.Stream, subjects, time.Duration(ec.StreamMaxAge))
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", ec.Stream, err)
		}
		d.logger.Info("Link events retained", "stream", ec.Stream, "subjects", subjects,
			"retained_messages", stream.CachedInfo().State.Msgs)
	}

	emitter, err := events.NewEmitter(d.nats, d.cfg.EventsConfig(),
		events.WithLogger(d.logger),
		events.WithMetrics(d.registry))
	if err != nil {
		return fmt.Errorf("create emitter: %w", err)
	}
	d.emitter = emitter
	emitter.Attach(d.graph)
	if err := emitter.Start(ctx); err != nil {
		return fmt.Errorf("start emitter: %w", err)
	}
	return nil
}

// health is served from the metrics goroutine; the graph is read on its loop.
func (d *daemon) health() health.Status {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var graphStatus health.Status
	err := d.graph.Loop().Invoke(ctx, func() error {
		graphStatus = d.graph.Health()
		return nil
	}, true)
	if err != nil {
		graphStatus = health.FromError("graph", err)
	}
	d.monitor.Update("graph", graphStatus)
	if d.nats != nil {
		d.monitor.Update("nats", d.nats.Health())
	}
	return d.monitor.AggregateHealth(appName)
}

// shutdown releases in reverse order of setup. The context is closed before
// the emitter stops so that link teardown events are still published.
func (d *daemon) shutdown() error {
	timeout := d.shutdownTimeout
	var errs []error
	if d.server != nil {
		errs = append(errs, d.server.Stop())
	}
	if d.graph != nil {
		errs = append(errs, d.graph.Close())
	}
	if d.emitter != nil {
		errs = append(errs, d.emitter.Stop(timeout))
	}
	if d.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = append(errs, d.nats.Close(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

// buildDemoGraph links a 48kHz stereo source to a sink.
func buildDemoGraph(c *core.Context) error {
	stereo := func(rate pod.Choice) *pod.Object {
		return pod.NewObject(pod.ParamEnumFormat, "audio/raw", map[string]pod.Choice{
			"rate":     rate,
			"channels": pod.Fixed(2),
		})
	}

	src, err := c.AddNode("demo-source", testnode.New(testnode.Config{
		Name:    "demo-source",
		Outputs: 1,
		Formats: []*pod.Object{stereo(pod.Range(48000, 8000, 192000))},
		Flags:   plugin.FlagCanAllocBuffers | plugin.FlagCanUseBuffers,
	}), map[string]string{"media.class": "Audio/Source"})
	if err != nil {
		return err
	}
	sink, err := c.AddNode("demo-sink", testnode.New(testnode.Config{
		Name:    "demo-sink",
		Inputs:  1,
		Formats: []*pod.Object{stereo(pod.Fixed(48000))},
		Flags:   plugin.FlagCanUseBuffers,
	}), map[string]string{"media.class": "Audio/Sink"})
	if err != nil {
		return err
	}

	out, err := c.AddPort(src, plugin.DirectionOutput, 0)
	if err != nil {
		return err
	}
	in, err := c.AddPort(sink, plugin.DirectionInput, 0)
	if err != nil {
		return err
	}
	_, err = c.CreateLink(out, in, nil, map[string]string{"link.name": "demo"})
	return err
}
