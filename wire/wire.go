// Package wire implements the framed protocol spoken between DCC hosts and clients.
//
// It solves TCP's sticky packet problem with a fixed-size 13-byte header followed
// by a variable-length JSON body. The receiver reads the header first to learn the
// body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9         13
//	┌──────┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │mt│   seq   │ bodyLen │    body ...    │
//	│ dcp  │01│  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴─────────┴───────────────┘
//
// Ping and Pong frames carry no body; they exist so a connection pool can probe
// whether a cached connection is still responsive without issuing a real call.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "dcp" (dcc-rpc protocol).
// Rejects non-protocol connections (e.g., an HTTP client hitting the wrong port).
const (
	magic0 byte = 0x64 // 'd'
	magic1 byte = 0x63 // 'c'
	magic2 byte = 0x70 // 'p'

	Version    byte = 0x01
	HeaderSize int  = 13 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
)

// MsgType distinguishes the four frame kinds.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → Host method call
	MsgTypeResponse MsgType = 1 // Host → Client call result
	MsgTypePing     MsgType = 2 // Liveness probe (no body)
	MsgTypePong     MsgType = 3 // Probe reply (no body), echoes the ping's seq
)

// Header is the fixed 13-byte frame header.
type Header struct {
	MsgType MsgType // Request, Response, Ping, or Pong
	Seq     uint32  // Sequence ID — matches request ↔ response and ping ↔ pong
	BodyLen uint32  // Body length in bytes
}

// Encode writes one complete frame (header + body) to w.
// The caller must serialize writes if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2] = magic0, magic1, magic2
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], h.Seq)
	binary.BigEndian.PutUint32(buf[9:13], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Body may be nil for ping/pong frames
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one complete frame from r, validating magic, version, and message
// type. io.ReadFull guarantees exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != magic0 || headerBuf[1] != magic1 || headerBuf[2] != magic2 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > byte(MsgTypePong) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[4])
	}

	seq := binary.BigEndian.Uint32(headerBuf[5:9])
	bodyLen := binary.BigEndian.Uint32(headerBuf[9:13])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		MsgType: MsgType(headerBuf[4]),
		Seq:     seq,
		BodyLen: bodyLen,
	}, body, nil
}
