// Package log_v1 holds the wire and on-disk record type shared by the
// segment store, the Raft log and the broker dispatcher.
package log_v1

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mrshabel/gumraft/internal/errs"
)

// headerWidth is the fixed portion of a Record preceding key/value bytes:
// crc(4) + timestamp(8) + key_len(4) + value_len(4).
const headerWidth = 4 + 8 + 4 + 4

// Record is the unit stored in a segment and replicated through Raft.
// Offset and Term are metadata filled in by the PartitionLog/Raft log on
// append; they are not part of the on-disk header, they're recovered from
// the segment's base offset and the Raft log's own indexing.
type Record struct {
	Offset    uint64
	Term      uint64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Marshal encodes the record header and payload per spec: a CRC over
// {timestamp, key_len, value_len, key, value}, followed by the key and
// value bytes. Offset/Term are not serialized; they're positional.
func (r *Record) Marshal() []byte {
	buf := make([]byte, headerWidth+len(r.Key)+len(r.Value))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(r.Value)))
	n := headerWidth
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

// Unmarshal decodes a record payload produced by Marshal, validating its
// CRC. Offset/Term must be set by the caller (they come from the segment's
// base offset / the Raft log entry, not the bytes themselves).
func (r *Record) Unmarshal(p []byte) error {
	if len(p) < headerWidth {
		return errs.NewCorrupt("record shorter than header width")
	}
	wantCRC := binary.BigEndian.Uint32(p[0:4])
	gotCRC := crc32.ChecksumIEEE(p[4:])
	if wantCRC != gotCRC {
		return errs.NewCorrupt("record crc mismatch")
	}

	r.Timestamp = int64(binary.BigEndian.Uint64(p[4:12]))
	keyLen := binary.BigEndian.Uint32(p[12:16])
	valLen := binary.BigEndian.Uint32(p[16:20])
	if headerWidth+int(keyLen)+int(valLen) != len(p) {
		return errs.NewCorrupt("record key/value length mismatch")
	}

	r.Key = append([]byte(nil), p[headerWidth:headerWidth+int(keyLen)]...)
	r.Value = append([]byte(nil), p[headerWidth+int(keyLen):]...)
	return nil
}
