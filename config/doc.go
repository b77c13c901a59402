// Package config loads the mediagraphd configuration.
//
// A Loader starts from Default, merges JSON or YAML layers key by key in the
// order they were added and finally applies MEDIAGRAPH_* environment
// overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	ctx, err := core.NewContext(cfg.Core())
//
// Durations are written as strings ("10ms", "2s") and also accept a whole
// number of days ("7d").
//
// Supported environment variables:
//
//	MEDIAGRAPH_LOG_LEVEL, MEDIAGRAPH_LOG_FORMAT
//	MEDIAGRAPH_METRICS_ENABLED, MEDIAGRAPH_METRICS_PORT
//	MEDIAGRAPH_EVENTS_ENABLED, MEDIAGRAPH_EVENTS_URLS (comma separated)
//	MEDIAGRAPH_EVENTS_SUBJECT_PREFIX, MEDIAGRAPH_EVENTS_STREAM
//	MEDIAGRAPH_EVENTS_CREDS_FILE, MEDIAGRAPH_EVENTS_TOKEN
//	MEDIAGRAPH_GRAPH_DATA_LOOPS, MEDIAGRAPH_GRAPH_MAX_BUFFERS
//	MEDIAGRAPH_GRAPH_CYCLE_INTERVAL
//
// Files are read only when they are regular, smaller than 1MB and nested no
// deeper than 32 levels. Relative paths may not leave the working directory.
//
// SafeConfig holds a validated configuration for concurrent readers; Get
// always returns a copy.
package config
