// Package protocol defines the relay wire format: frames, chunk messages,
// topics and the JSON / msgpack codecs that carry them.
// Chunk data travels as base64 in JSON and as raw binary in msgpack.
package protocol
