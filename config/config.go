package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mediagraph/core"
	mgerrors "github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/events"
	"github.com/c360/mediagraph/pkg/retry"
)

// EnvPrefix prefixes every environment override, e.g. MEDIAGRAPH_LOG_LEVEL.
const EnvPrefix = "MEDIAGRAPH"

// Config is the daemon configuration.
type Config struct {
	Version string        `json:"version,omitempty" yaml:"version,omitempty"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Graph   GraphConfig   `json:"graph" yaml:"graph"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or text
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// EventsConfig controls publishing link events to NATS.
type EventsConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	URLs           []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	SubjectPrefix  string   `json:"subject_prefix" yaml:"subject_prefix"`
	Workers        int      `json:"workers" yaml:"workers"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	PublishTimeout Duration `json:"publish_timeout" yaml:"publish_timeout"`
	RetryAttempts  int      `json:"retry_attempts" yaml:"retry_attempts"`
	CredsFile      string   `json:"creds_file,omitempty" yaml:"creds_file,omitempty"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	// MaxReconnects is -1 for unlimited.
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	PingInterval  Duration `json:"ping_interval" yaml:"ping_interval"`
	// ConnectTimeout bounds a single dial.
	ConnectTimeout   Duration `json:"connect_timeout" yaml:"connect_timeout"`
	HealthInterval   Duration `json:"health_interval" yaml:"health_interval"`
	CircuitThreshold int32    `json:"circuit_threshold" yaml:"circuit_threshold"`
	MaxBackoff       Duration `json:"max_backoff" yaml:"max_backoff"`
	TLSCertFile      string   `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile       string   `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	TLSCAFile        string   `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
	// Stream, when set, retains published events in a JetStream stream.
	Stream       string   `json:"stream,omitempty" yaml:"stream,omitempty"`
	StreamMaxAge Duration `json:"stream_max_age,omitempty" yaml:"stream_max_age,omitempty"`
}

// GraphConfig mirrors core.Config.
type GraphConfig struct {
	MaxBuffers        int      `json:"max_buffers" yaml:"max_buffers"`
	DefaultBufferSize int      `json:"default_buffer_size" yaml:"default_buffer_size"`
	DefaultAlign      int      `json:"default_align" yaml:"default_align"`
	DataLoops         int      `json:"data_loops" yaml:"data_loops"`
	CycleInterval     Duration `json:"cycle_interval" yaml:"cycle_interval"`
	InvokeTimeout     Duration `json:"invoke_timeout" yaml:"invoke_timeout"`
}

// Default returns the configuration used before any file or environment
// layer is applied.
func Default() *Config {
	g := core.DefaultConfig()
	e := events.DefaultConfig()
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Events: EventsConfig{
			URLs:             []string{"nats://localhost:4222"},
			SubjectPrefix:    e.SubjectPrefix,
			Workers:          e.Workers,
			QueueSize:        e.QueueSize,
			PublishTimeout:   Duration(e.PublishTimeout),
			RetryAttempts:    e.Retry.MaxAttempts,
			StreamMaxAge:     Duration(24 * time.Hour),
			MaxReconnects:    -1,
			ReconnectWait:    Duration(2 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			ConnectTimeout:   Duration(5 * time.Second),
			HealthInterval:   Duration(10 * time.Second),
			CircuitThreshold: 5,
			MaxBackoff:       Duration(time.Minute),
		},
		Graph: GraphConfig{
			MaxBuffers:        g.MaxBuffers,
			DefaultBufferSize: g.DefaultBufferSize,
			DefaultAlign:      g.DefaultAlign,
			DataLoops:         g.DataLoops,
			CycleInterval:     Duration(g.CycleInterval),
			InvokeTimeout:     Duration(g.InvokeTimeout),
		},
	}
}

// Core converts the graph section.
func (c *Config) Core() core.Config {
	return core.Config{
		MaxBuffers:        c.Graph.MaxBuffers,
		DefaultBufferSize: c.Graph.DefaultBufferSize,
		DefaultAlign:      c.Graph.DefaultAlign,
		DataLoops:         c.Graph.DataLoops,
		CycleInterval:     time.Duration(c.Graph.CycleInterval),
		InvokeTimeout:     time.Duration(c.Graph.InvokeTimeout),
	}
}

// EventsConfig converts the events section.
func (c *Config) EventsConfig() events.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = c.Events.RetryAttempts
	return events.Config{
		SubjectPrefix:  c.Events.SubjectPrefix,
		Workers:        c.Events.Workers,
		QueueSize:      c.Events.QueueSize,
		PublishTimeout: time.Duration(c.Events.PublishTimeout),
		Retry:          r,
	}
}

// Validate checks every section. It wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return mgerrors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{mgerrors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "check configuration")
	}

	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return invalid("version: %v", err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q", c.Log.Format)
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return invalid("metrics.port %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics.path %q must start with /", c.Metrics.Path)
		}
	}
	if c.Events.Enabled {
		if len(c.Events.URLs) == 0 {
			return invalid("events.urls is required when events are enabled")
		}
		if !isValidSubject(c.Events.SubjectPrefix) {
			return invalid("events.subject_prefix %q is not a valid NATS subject", c.Events.SubjectPrefix)
		}
		if c.Events.Stream != "" && strings.ContainsAny(c.Events.Stream, ". *>") {
			return invalid("events.stream %q", c.Events.Stream)
		}
		if c.Events.Password != "" && c.Events.Username == "" {
			return invalid("events.password needs events.username")
		}
		if c.Events.MaxReconnects < -1 {
			return invalid("events.max_reconnects %d", c.Events.MaxReconnects)
		}
		if c.Events.ReconnectWait < 0 || c.Events.PingInterval < 0 {
			return invalid("events.reconnect_wait %v and events.ping_interval %v must not be negative",
				c.Events.ReconnectWait, c.Events.PingInterval)
		}
		if c.Events.ConnectTimeout <= 0 || c.Events.HealthInterval < 0 {
			return invalid("events.connect_timeout %v, events.health_interval %v",
				c.Events.ConnectTimeout, c.Events.HealthInterval)
		}
		if c.Events.CircuitThreshold < 1 || c.Events.MaxBackoff < Duration(time.Second) {
			return invalid("events.circuit_threshold %d must be at least 1 and events.max_backoff %v at least 1s",
				c.Events.CircuitThreshold, c.Events.MaxBackoff)
		}
		if (c.Events.TLSCertFile == "") != (c.Events.TLSKeyFile == "") {
			return invalid("events.tls_cert_file and events.tls_key_file go together")
		}
		if err := c.EventsConfig().Validate(); err != nil {
			return invalid("events: %v", err)
		}
	}
	if err := c.Core().Validate(); err != nil {
		return invalid("graph: %v", err)
	}
	return nil
}

// isValidSubject accepts dot separated tokens without wildcards.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || strings.ContainsAny(tok, " \t*>") {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Events.URLs = append([]string(nil), c.Events.URLs...)
	return &clone
}

// String renders the configuration as JSON with secrets redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Events.Token != "" {
		redacted.Events.Token = "REDACTED"
	}
	if redacted.Events.Password != "" {
		redacted.Events.Password = "REDACTED"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON or YAML by extension.
func (c *Config) SaveToFile(path string) error {
	format, err := configFormat(path)
	if err != nil {
		return err
	}
	var data []byte
	if format == "yaml" {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return mgerrors.Wrap(err, "Config", "SaveToFile", "encode "+format)
	}
	return safeWriteFile(path, data)
}

// SafeConfig guards a Config for concurrent readers.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration once cfg validates.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return mgerrors.WrapInvalid(mgerrors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Duration is a time.Duration written as a string such as "10ms" or "7d".
// Plain numbers are nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(t))
	case int:
		*d = Duration(int64(t))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays also accepts a whole number of days such as "14d".
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Loader merges configuration layers over the defaults and applies
// environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer appends a file; later layers override earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads path as the only layer.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load builds the configuration from defaults, layers and environment.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, mgerrors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, mgerrors.Wrap(err, "Loader", "Load", "encode merged layers")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, mgerrors.WrapInvalid(err, "Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, mgerrors.Wrap(err, "Loader", "toMap", "encode defaults")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, mgerrors.Wrap(err, "Loader", "toMap", "decode defaults")
	}
	return m, nil
}

// loadRaw decodes a JSON or YAML file into a generic map.
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := configFormat(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if format == "json" {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := validateDepth(raw, 0); err != nil {
		return nil, err
	}
	return raw, nil
}

// deepMergeMaps returns base with override applied; nested maps merge
// recursively and null values are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := maps.Clone(base)
	if result == nil {
		result = make(map[string]any)
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if bm, ok := base[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(bm, om)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads PREFIX_SECTION_KEY variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + key); ok {
			if err := validateEnvVar(key, v); err != nil {
				errs = append(errs, err)
				return
			}
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		var s string
		str(key, &s)
		if s == "" {
			return
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		var s string
		str(key, &s)
		if s == "" {
			return
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
			return
		}
		*dst = b
	}
	dur := func(key string, dst *Duration) {
		var s string
		str(key, &s)
		if s == "" {
			return
		}
		if err := dst.set(s); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	num("METRICS_PORT", &cfg.Metrics.Port)
	flag("EVENTS_ENABLED", &cfg.Events.Enabled)
	var urls string
	str("EVENTS_URLS", &urls)
	if urls != "" {
		cfg.Events.URLs = strings.Split(urls, ",")
	}
	str("EVENTS_SUBJECT_PREFIX", &cfg.Events.SubjectPrefix)
	str("EVENTS_CREDS_FILE", &cfg.Events.CredsFile)
	str("EVENTS_TOKEN", &cfg.Events.Token)
	str("EVENTS_USERNAME", &cfg.Events.Username)
	str("EVENTS_PASSWORD", &cfg.Events.Password)
	str("EVENTS_STREAM", &cfg.Events.Stream)
	num("GRAPH_DATA_LOOPS", &cfg.Graph.DataLoops)
	num("GRAPH_MAX_BUFFERS", &cfg.Graph.MaxBuffers)
	dur("GRAPH_CYCLE_INTERVAL", &cfg.Graph.CycleInterval)

	if err := errors.Join(errs...); err != nil {
		return mgerrors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse environment")
	}
	return nil
}

// parseSemVer parses "major.minor.patch" with an optional leading v.
func parseSemVer(version string) (int, int, int, error) {
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version component '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
