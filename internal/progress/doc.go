// Package progress tracks the observable state of backup runs.
//
// Every run owns one Tracker. Stages report typed Deltas which a pure reducer
// folds into the run's backup.RunProgress; the tracker persists the result in
// batches and at terminal phases. The tracker also owns the run's pause gate
// and cancel function, so every blocking stage calls Checkpoint before doing
// I/O.
//
// Run and file milestones are additionally emitted as Events on a
// non-blocking Hub, which batches them to pluggable sinks such as Prometheus
// metrics or structured logs.
package progress
