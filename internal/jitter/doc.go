// Package jitter implements the consumer-side reorder buffer: a bounded set
// of pending chunks keyed by sequence that releases the lowest sequence to the
// decode pipeline whenever the pipeline is idle, drops stale and overflowing
// chunks, and resets itself when a stream restarts at sequence 0.
package jitter
