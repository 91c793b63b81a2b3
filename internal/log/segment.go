package log

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	api "github.com/mrshabel/gumraft/api/v1"
)

// ErrFull is returned by Append when writing the record would exceed the
// segment's configured max bytes (spec 4.1: "fails with Full when
// appending would exceed max_bytes. The caller is expected to roll.").
var ErrFull = errors.New("segment full")

// segment pairs a store (log_file) and index (index_file), bounded by a
// configured max byte size, identified by its base offset (spec §3
// "Segment").
type segment struct {
	store *store
	index *index
	// starting offset of this segment
	baseOffset uint64
	// next available offset for appending
	nextOffset uint64
	config     Config
	// bytesSinceIndex tracks how many store bytes have accumulated since
	// the last sparse index entry was written (spec "Algorithm — write
	// path").
	bytesSinceIndex uint64
}

// create a new instance of a segment. If the store/index files already
// exist, the store is rescanned from byte 0 to validate CRCs and recover
// from any torn trailing write, and the index is rebuilt from that scan
// rather than trusted as-is (spec 4.1 "Algorithm — recovery").
func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		config:     c,
	}
	// create/open file in append mode
	storeFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ".log")),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644,
	)
	if err != nil {
		return nil, err
	}

	// create instance of store and index file
	if s.store, err = newStore(storeFile); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ".index")),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		return nil, err
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, err
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover walks the store from byte 0, discarding any torn tail and
// rebuilding the sparse index to match exactly the valid prefix found.
// This always runs on open (not only after a crash) because a freshly
// opened segment has no other source of truth for nextOffset once the
// index is sparse.
func (s *segment) recover() error {
	s.index.reset()
	s.bytesSinceIndex = 0
	var rel uint32

	validEnd, err := s.store.scan(func(payload []byte, pos uint64) error {
		var rec api.Record
		if uerr := rec.Unmarshal(payload); uerr != nil {
			// CRC mismatch or malformed record: stop scanning here, this
			// defines the segment's true end (spec: "a crash mid-write
			// must not expose a torn tail").
			return uerr
		}
		if s.bytesSinceIndex == 0 {
			if werr := s.index.Write(rel, pos); werr != nil {
				return werr
			}
		}
		entryLen := uint64(lenWidth + len(payload))
		s.bytesSinceIndex += entryLen
		if s.config.Segment.IndexIntervalBytes == 0 || s.bytesSinceIndex >= s.config.Segment.IndexIntervalBytes {
			s.bytesSinceIndex = 0
		}
		rel++
		return nil
	})
	if err != nil {
		return err
	}

	if validEnd < s.store.size {
		if err := s.store.truncate(validEnd); err != nil {
			return err
		}
	}
	s.nextOffset = s.baseOffset + uint64(rel)
	return nil
}

// append a new record to the segment
func (s *segment) Append(record *api.Record) (offset uint64, err error) {
	record.Timestamp = time.Now().UnixNano()
	p := record.Marshal()

	projected := s.store.size + uint64(lenWidth) + uint64(len(p))
	if projected > s.config.Segment.MaxStoreBytes {
		return 0, ErrFull
	}

	willIndex := s.bytesSinceIndex+uint64(lenWidth+len(p)) >= s.config.Segment.IndexIntervalBytes || s.config.Segment.IndexIntervalBytes == 0
	if willIndex && uint64(s.index.size+entWidth) > uint64(len(s.index.mmap)) {
		return 0, ErrFull
	}

	cur := s.nextOffset
	record.Offset = cur

	// append record to store and track its sparse index
	_, pos, err := s.store.Append(p)
	if err != nil {
		return 0, err
	}
	s.bytesSinceIndex += uint64(lenWidth + len(p))
	if willIndex {
		if werr := s.index.Write(uint32(cur-s.baseOffset), pos); werr != nil {
			return 0, ErrFull
		}
		s.bytesSinceIndex = 0
	}

	s.nextOffset++
	return cur, nil
}

// Read locates the greatest index entry with relative offset ≤ the target,
// then scans forward in the store to the exact record (spec 4.1 "read").
func (s *segment) Read(off uint64) (*api.Record, error) {
	if off < s.baseOffset || off >= s.nextOffset {
		return nil, errOutOfSegmentRange
	}
	target := uint32(off - s.baseOffset)

	entryOff, pos, ok := s.index.LookupFloor(target)
	if !ok {
		entryOff, pos = 0, 0
	}

	// scan forward, record by record, until we reach the target offset
	for entryOff < target {
		next, err := s.store.nextPosition(pos)
		if err != nil {
			return nil, err
		}
		pos = next
		entryOff++
	}

	p, err := s.store.Read(pos)
	if err != nil {
		return nil, err
	}

	record := &api.Record{Offset: off}
	if err := record.Unmarshal(p); err != nil {
		return nil, err
	}
	return record, nil
}

// errOutOfSegmentRange is a package-private sentinel distinguished from the
// client-facing errs.OutOfRange by the PartitionLog, which is the layer
// that knows whether "out of this segment" means "out of the whole log".
var errOutOfSegmentRange = errors.New("offset outside segment range")

// check whether a segment has reached its maximum size or not.
// the segment is maxed if its underlying store or index size has reached its
// max bytes as specified in the configuration
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes || s.index.size >= s.config.Segment.MaxIndexBytes
}

// remove the segment and its associated store and index files
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	if err := os.Remove(s.store.Name()); err != nil {
		return err
	}
	return nil
}

// close the segment's store and index files
func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// flush fsyncs both files (spec 4.1 "flush()").
func (s *segment) flush() error {
	if err := s.store.File.Sync(); err != nil {
		return err
	}
	return s.index.file.Sync()
}
