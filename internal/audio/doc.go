// Package audio produces the chunk stream: capture sources, the timer-driven
// Segmenter, the wav and pcmu codecs, and a level meter for the producer's VU
// display. Chunk 0 of every stream instance carries the stream header.
package audio
