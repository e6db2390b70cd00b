// Package transport connects sessions to stations. The WebSocket backend
// talks to a relay, Redis works without one, and Memory serves tests.
package transport
