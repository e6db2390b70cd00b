// Package stream implements the relay hub: per-station broadcaster and listener
// membership, ordered fan-out of chunks, the catch-up backlog replayed to joining
// listeners, and automatic cleanup of idle stations.
package stream
