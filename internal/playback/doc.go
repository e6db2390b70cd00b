// Package playback implements the decode-and-play side of a listener: a Feeder
// that decodes one chunk at a time on a pipeline goroutine, holds audio back
// until a start threshold is buffered, and reports completions tagged with a
// pipeline generation so work from a torn down pipeline can be ignored.
package playback
