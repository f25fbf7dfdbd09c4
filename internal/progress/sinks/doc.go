// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, an in-memory status snapshot and a terminal progress renderer.
// Each sink satisfies progress.Sink.
package sinks
