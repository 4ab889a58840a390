// Package wire implements the byte-level framing for the query protocol:
// little-endian integer packing, the handshake exchange, and the
// token-delimited request/response frames described by the protocol.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Pack encodes value as an unsigned little-endian integer of the given
// byte width. Only widths 4 and 8 are meaningful on the wire (handshake
// fields and response lengths use 4 bytes; tokens use 8).
func Pack(value uint64, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	default:
		panic(fmt.Sprintf("wire: unsupported pack width %d", width))
	}
	return buf
}

// Unpack decodes an unsigned little-endian integer from b. The width is
// inferred from len(b); only 4 and 8 byte slices are accepted.
func Unpack(b []byte) uint64 {
	switch len(b) {
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		panic(fmt.Sprintf("wire: unsupported unpack width %d", len(b)))
	}
}

const headerSize = 12 // 8-byte token + 4-byte length

// WriteFrame writes a single token-delimited frame: token(8B LE) ||
// length(4B LE) || payload. Callers serialize writes to w themselves; this
// function issues a single Write per frame so the header and body never
// interleave with a concurrent writer sharing the same socket.
func WriteFrame(w io.Writer, token uint64, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	copy(buf[0:8], Pack(token, 8))
	copy(buf[8:12], Pack(uint64(len(payload)), 4))
	copy(buf[12:], payload)
	_, err := w.Write(buf)
	return err
}

// FrameReader accumulates bytes from an underlying reader and yields
// complete frames. It implements the "need header / need body" state
// machine from the protocol description using io.ReadFull, which already
// blocks until the requested byte count is satisfied or the connection
// errors — the idiomatic Go equivalent of the manual accumulate-until-N
// loop.
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 4096)}
}

// NewFrameReaderFromBufio adopts an already-buffered reader instead of
// wrapping r in a second buffer. The handshake reads the NUL-terminated
// status string off a *bufio.Reader directly; reusing that same reader for
// subsequent frames avoids dropping any bytes it has already buffered past
// the handshake.
func NewFrameReaderFromBufio(br *bufio.Reader) *FrameReader {
	return &FrameReader{br: br}
}

// ReadFrame blocks until a full frame has arrived and returns its token and
// payload. Any short read or I/O error from the underlying reader is
// returned verbatim so callers can distinguish EOF / timeout / reset.
func (f *FrameReader) ReadFrame() (token uint64, payload []byte, err error) {
	var header [headerSize]byte
	if _, err = io.ReadFull(f.br, header[:]); err != nil {
		return 0, nil, err
	}
	token = Unpack(header[0:8])
	length := Unpack(header[8:12])
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(f.br, payload); err != nil {
			return 0, nil, err
		}
	}
	return token, payload, nil
}
