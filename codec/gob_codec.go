package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec uses Go's binary gob format. Denser than JSON and handles any
// gob-encodable value, at the cost of being Go-only on the wire.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	return dec.Decode(v)
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}
