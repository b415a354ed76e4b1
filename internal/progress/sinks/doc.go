// Package sinks implements run event consumers for the progress hub: a
// Prometheus exporter for run and file counters and a structured log sink.
// Each sink satisfies progress.Sink.
package sinks
