// Package directory is a client for a relay's station directory
// (/api/stations). Transient failures are retried with exponential backoff.
package directory
