package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	Demo            bool
	Monitor         bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	usage func()
}

type layerFlag []string

func (l *layerFlag) String() string { return fmt.Sprint(*l) }

func (l *layerFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var layers layerFlag
	fs.Var(&layers, "config",
		"Configuration file, JSON or YAML; repeat to layer overrides (env: MEDIAGRAPH_CONFIG)")
	fs.Var(&layers, "c", "Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error; overrides the config file")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text; overrides the config file")
	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("MEDIAGRAPH_DEBUG", false),
		"Enable debug logging (env: MEDIAGRAPH_DEBUG)")
	fs.BoolVar(&cfg.Demo, "demo",
		getEnvBool("MEDIAGRAPH_DEMO", false),
		"Build a source to sink demo graph at startup (env: MEDIAGRAPH_DEMO)")
	fs.BoolVar(&cfg.Monitor, "monitor", false,
		"Print link events published on NATS instead of running a graph")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MEDIAGRAPH_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: MEDIAGRAPH_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if path := os.Getenv("MEDIAGRAPH_CONFIG"); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - media graph daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base config and a site override
  %s -config=configs/base.yaml -config=configs/site.json

  # Run the demo graph with text logs
  %s -demo -log-level=debug -log-format=text

  # Follow the link events of every daemon on the bus
  %s -config=configs/base.yaml -monitor

  # Validate configuration only
  %s -config=configs/base.yaml -validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
