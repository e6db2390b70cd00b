// Package server implements the relay's network surface: the /socket
// WebSocket endpoint that turns each connection into a stream.Hub peer, and
// the HTTP API for the station directory, health, statistics and metrics.
package server
