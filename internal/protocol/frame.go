// Package protocol implements the Kafka-compatible framed wire protocol:
// a 4-byte length prefix, a versioned request/response header, and
// versioned bodies using the Kafka type system (spec §6 "Wire protocol").
// The same framing doubles as the inter-broker transport for Raft
// messages (spec §6 "Inter-broker RPC").
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/mrshabel/gumraft/internal/errs"
)

// MaxFrameSize bounds a single frame to guard against a corrupt length
// prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20

// ReadFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, errs.NewInvalidRequest("frame exceeds max size")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
