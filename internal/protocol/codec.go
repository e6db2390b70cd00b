package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec names
const (
	CodecJSON    = "json"
	CodecMsgPack = "msgpack"
)

// ErrUnknownCodec is returned when a codec name is not registered
var ErrUnknownCodec = errors.New("unknown codec")

// Codec serializes frames for a transport
type Codec interface {
	Name() string
	// Binary reports whether encoded frames must travel as binary messages
	Binary() bool
	Marshal(f *Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

// JSON encodes frames as JSON text with base64 chunk data
var JSON Codec = jsonCodec{}

// MsgPack encodes frames as msgpack with raw binary chunk data
var MsgPack Codec = msgpackCodec{}

// CodecByName returns the codec registered under name.
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSON, nil
	case CodecMsgPack:
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownCodec, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, f *Frame) error {
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgPack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(f *Frame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte, f *Frame) error {
	if err := msgpack.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
