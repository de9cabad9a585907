// Package codec provides the pluggable serialization layer for call
// envelopes and argument/return payloads. The codec in use is identified by
// a single byte carried in the protocol frame header, so the skeleton always
// decodes with whatever codec the stub chose.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeGob  CodecType = 1
)

// Codec serializes envelopes and individual values. Implementations must be
// symmetric: what one side encodes, the other side decodes, without the
// transport knowing the payload's shape in advance.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &GobCodec{}
}
