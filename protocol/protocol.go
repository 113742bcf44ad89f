// Package protocol implements the binary frame format used by the TCP stream
// transport.
//
// TCP is a byte stream, so every transport event is wrapped in a frame with a
// fixed 9-byte header followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...    │
//	│ drp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// Only Data frames carry a body (one JSON envelope). Connect/Accept form the
// handshake, Close ends the session, Heartbeat keeps idle links alive.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "drp" reject peers that are not speaking this protocol
// (e.g. an HTTP client hitting the TCP port).
const (
	MagicNumber byte = 0x64 // 'd'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (frameType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt header cannot make us
	// allocate arbitrary memory.
	MaxBodyLen uint32 = 64 << 20
)

// FrameType distinguishes the transport events carried by a frame.
type FrameType byte

const (
	FrameConnect   FrameType = 0 // Dialer → acceptor, first frame on a new link
	FrameAccept    FrameType = 1 // Acceptor → dialer, completes the handshake
	FrameData      FrameType = 2 // One encoded envelope
	FrameClose     FrameType = 3 // Orderly shutdown, no body
	FrameHeartbeat FrameType = 4 // KeepAlive probe, no body
)

func (t FrameType) String() string {
	switch t {
	case FrameConnect:
		return "connect"
	case FrameAccept:
		return "accept"
	case FrameData:
		return "data"
	case FrameClose:
		return "close"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// Header is the fixed frame header.
type Header struct {
	Type    FrameType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialise writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, t FrameType, body []byte) error {
	if len(body) > int(MaxBodyLen) {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame keeps the frame contiguous on the stream.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic number, version, frame type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	frameType := FrameType(headerBuf[4])
	if frameType > FrameHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[4])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{Type: frameType, BodyLen: bodyLen}, body, nil
}
