// Package progress carries run and download progress from the walker and the
// download executor to pluggable sinks. Emit never blocks; events are batched
// on a background goroutine and fanned out to sinks such as structured logs,
// Prometheus collectors, the status snapshot and the terminal renderer.
package progress
