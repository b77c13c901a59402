package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/core"
	mgerrors "github.com/c360/mediagraph/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loaderWithEnv(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, core.DefaultConfig(), cfg.Core())
	assert.Equal(t, "mediagraph", cfg.EventsConfig().SubjectPrefix)
}

func TestLoader_NoLayers(t *testing.T) {
	cfg, err := loaderWithEnv(nil).Load()
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_MergesLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
log:
  level: debug
graph:
  max_buffers: 8
  cycle_interval: 5ms
events:
  urls: [nats://a:4222]
`)
	override := writeFile(t, "prod.json", `{
  "log": {"format": "text"},
  "graph": {"data_loops": 2},
  "events": {"enabled": true, "stream": "LINKS", "stream_max_age": "7d"}
}`)

	l := loaderWithEnv(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Graph.MaxBuffers)
	assert.Equal(t, 2, cfg.Graph.DataLoops)
	assert.Equal(t, 4096, cfg.Graph.DefaultBufferSize)
	assert.Equal(t, Duration(5*time.Millisecond), cfg.Graph.CycleInterval)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, []string{"nats://a:4222"}, cfg.Events.URLs)
	assert.Equal(t, "LINKS", cfg.Events.Stream)
	assert.Equal(t, Duration(7*24*time.Hour), cfg.Events.StreamMaxAge)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := loaderWithEnv(map[string]string{
		"MEDIAGRAPH_LOG_LEVEL":            "warn",
		"MEDIAGRAPH_METRICS_PORT":         "9191",
		"MEDIAGRAPH_EVENTS_ENABLED":       "true",
		"MEDIAGRAPH_EVENTS_URLS":          "nats://a:4222,nats://b:4222",
		"MEDIAGRAPH_GRAPH_CYCLE_INTERVAL": "20ms",
		"MEDIAGRAPH_GRAPH_DATA_LOOPS":     "3",
		"MEDIAGRAPH_EVENTS_USERNAME":      "graph",
		"MEDIAGRAPH_EVENTS_PASSWORD":      "hunter2",
	})
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Events.URLs)
	assert.Equal(t, 20*time.Millisecond, cfg.Core().CycleInterval)
	assert.Equal(t, 3, cfg.Core().DataLoops)
	assert.Equal(t, "graph", cfg.Events.Username)
	assert.Equal(t, "hunter2", cfg.Events.Password)
}

func TestLoader_BadEnv(t *testing.T) {
	l := loaderWithEnv(map[string]string{
		"MEDIAGRAPH_METRICS_PORT":   "nine",
		"MEDIAGRAPH_EVENTS_ENABLED": "maybe",
	})
	_, err := l.Load()
	require.Error(t, err)
	assert.True(t, mgerrors.IsInvalid(err))
	assert.Contains(t, err.Error(), "MEDIAGRAPH_METRICS_PORT")
	assert.Contains(t, err.Error(), "MEDIAGRAPH_EVENTS_ENABLED")
}

func TestLoader_ValidationFails(t *testing.T) {
	path := writeFile(t, "bad.json", `{"graph": {"default_align": 12}}`)
	l := loaderWithEnv(nil)
	l.EnableValidation(true)
	_, err := l.LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, mgerrors.ErrInvalidConfig)

	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Graph.DefaultAlign)
}

func TestLoader_RejectsFiles(t *testing.T) {
	deep := strings.Repeat(`{"a":`, maxDepth+1) + "1" + strings.Repeat("}", maxDepth+1)
	tests := []struct {
		name string
		path string
	}{
		{name: "missing", path: filepath.Join(t.TempDir(), "missing.json")},
		{name: "extension", path: writeFile(t, "config.toml", "a = 1")},
		{name: "malformed", path: writeFile(t, "broken.json", `{"log": `)},
		{name: "too deep", path: writeFile(t, "deep.json", deep)},
		{name: "traversal", path: "../../etc/passwd.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loaderWithEnv(nil).LoadFile(tt.path)
			require.Error(t, err)
			assert.True(t, mgerrors.IsInvalid(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "version", modify: func(c *Config) { c.Version = "1.2" }},
		{name: "log level", modify: func(c *Config) { c.Log.Level = "verbose" }},
		{name: "log format", modify: func(c *Config) { c.Log.Format = "xml" }},
		{name: "metrics port", modify: func(c *Config) { c.Metrics.Port = 70000 }},
		{name: "metrics path", modify: func(c *Config) { c.Metrics.Path = "metrics" }},
		{name: "events urls", modify: func(c *Config) { c.Events.Enabled = true; c.Events.URLs = nil }},
		{name: "events subject", modify: func(c *Config) { c.Events.Enabled = true; c.Events.SubjectPrefix = "a.*" }},
		{name: "events stream", modify: func(c *Config) { c.Events.Enabled = true; c.Events.Stream = "a.b" }},
		{name: "events workers", modify: func(c *Config) { c.Events.Enabled = true; c.Events.Workers = 0 }},
		{name: "events password alone", modify: func(c *Config) { c.Events.Enabled = true; c.Events.Password = "pw" }},
		{name: "events half a certificate", modify: func(c *Config) { c.Events.Enabled = true; c.Events.TLSCertFile = "c.pem" }},
		{name: "events circuit", modify: func(c *Config) { c.Events.Enabled = true; c.Events.CircuitThreshold = 0 }},
		{name: "events connect timeout", modify: func(c *Config) { c.Events.Enabled = true; c.Events.ConnectTimeout = 0 }},
		{name: "events reconnects", modify: func(c *Config) { c.Events.Enabled = true; c.Events.MaxReconnects = -2 }},
		{name: "events reconnect wait", modify: func(c *Config) {
			c.Events.Enabled = true
			c.Events.ReconnectWait = Duration(-time.Second)
		}},
		{name: "graph loops", modify: func(c *Config) { c.Graph.DataLoops = 0 }},
		{name: "graph buffers", modify: func(c *Config) { c.Graph.MaxBuffers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, mgerrors.ErrInvalidConfig)
			assert.True(t, mgerrors.IsInvalid(err))
		})
	}

	cfg := Default()
	cfg.Version = "v1.4.2"
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SaveAndReload(t *testing.T) {
	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Version = "1.0.0"
			cfg.Events.Enabled = true
			cfg.Events.Stream = "LINKS"
			cfg.Graph.CycleInterval = Duration(2500 * time.Microsecond)

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := loaderWithEnv(nil).LoadFile(path)
			require.NoError(t, err)
			if diff := cmp.Diff(cfg, loaded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Events.Token = "s3cret"
	cfg.Events.Username = "graph"
	cfg.Events.Password = "hunter2"
	s := cfg.String()
	assert.NotContains(t, s, "s3cret")
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "graph")
	assert.Contains(t, s, "REDACTED")
	assert.Equal(t, "s3cret", cfg.Events.Token)
	assert.Equal(t, "hunter2", cfg.Events.Password)
}

func TestDuration_Decode(t *testing.T) {
	tests := []struct {
		in   any
		want time.Duration
		ok   bool
	}{
		{in: "10ms", want: 10 * time.Millisecond, ok: true},
		{in: "2d", want: 48 * time.Hour, ok: true},
		{in: float64(1000), want: time.Microsecond, ok: true},
		{in: nil, want: 0, ok: true},
		{in: "soon"},
		{in: "xd"},
		{in: true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.set(tt.in)
		if !tt.ok {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, time.Duration(d))
	}
}

func TestParseSemVer(t *testing.T) {
	major, minor, patch, err := parseSemVer("v2.10.3")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10, 3}, []int{major, minor, patch})

	for _, bad := range []string{"", "1.2", "1.2.x", "1.-1.0"} {
		_, _, _, err := parseSemVer(bad)
		assert.Error(t, err, bad)
	}
}
