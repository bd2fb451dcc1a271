// Package runtime wraps the container engine behind a small interface
// the supervisor drives. The containerd implementation runs workers in
// a dedicated namespace with memory, CPU, and pid limits, and captures
// their output to log files that outlive the task. A fake implementation
// backs the supervisor and scheduler tests.
package runtime
