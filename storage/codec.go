package storage

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// Marshal encodes a value for persistence. All backends use it, so records
// written by one can be read back by any other.
func Marshal(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes data produced by Marshal into into, which must be a
// pointer.
func Unmarshal(data []byte, into interface{}) error {
	if err := codec.NewDecoderBytes(data, handle).Decode(into); err != nil {
		return fmt.Errorf("decoding %T: %w", into, err)
	}
	return nil
}
