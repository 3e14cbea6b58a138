package lsmgo

import "github.com/hupe1980/lsmgo/engine"

// MetricsCollector receives operational metrics from the write path;
// pass an implementation via WithMetrics.
type MetricsCollector = engine.MetricsCollector

// BasicMetrics is a simple in-memory collector for debugging and tests.
type BasicMetrics = engine.BasicMetrics

// NoopMetrics discards all metrics.
type NoopMetrics = engine.NoopMetrics
