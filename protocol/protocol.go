// Package protocol implements the binary frame protocol carrying call
// envelopes over TCP.
//
// It solves TCP's sticky packet problem with a fixed-size 10-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...   │
//	│ rmi  │01│  │  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// A connection carries exactly one request frame and one response frame.
// There is no sequence number: calls are never multiplexed over a shared
// connection, so there is nothing to correlate.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "rmi". Used to quickly reject non-protocol connections
// (e.g., HTTP clients hitting the wrong port) before parsing anything else.
const (
	MagicByte1 byte = 0x72 // 'r'
	MagicByte2 byte = 0x6d // 'm'
	MagicByte3 byte = 0x69 // 'i'
	Version    byte = 0x01
	HeaderSize int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
)

// MaxBodyLen caps the declared body length, so a hostile header cannot force
// a huge allocation before a single body byte arrives.
const MaxBodyLen uint32 = 16 << 20

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Stub → Skeleton call request
	MsgTypeResponse MsgType = 1 // Skeleton → Stub call response
)

// Codec type constants, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeJSON byte = 0
	CodecTypeGob  byte = 1
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=gob
	MsgType   MsgType // Request or Response
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicByte1, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, and message type.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial
// reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeGob {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		BodyLen:   bodyLen,
	}, body, nil
}
