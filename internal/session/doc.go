// Package session runs the two ends of a station: the Broadcaster, which
// captures and publishes chunks, and the Listener, which subscribes, buffers
// and plays them. Both share one phase machine (idle, connecting, joining,
// buffering, live, reconnecting, stopped, failed) and own all of their state
// from a single event loop per run.
package session
