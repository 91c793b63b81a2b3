// this package contains an implementation of a log store: a file that
// keeps records in
package log

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
)

var (
	// encoding for persisting record sizes and index entries
	enc = binary.BigEndian
)

const (
	// number of bytes used to store a record's length prefix
	lenWidth = 4
)

type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

// create a new store from a given file. file could be new or existing
func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	// get the file size
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// append a record to the underlying store.
// returns the number of bytes written, position of record in the store, error
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// get the underlying store size
	pos = s.size
	// write record length to buffer in binary format
	if err := binary.Write(s.buf, enc, uint32(len(p))); err != nil {
		return 0, 0, err
	}
	// write actual data to buffer. record now becomes: `length-data`
	// length of every record is prefixed is used as prefix for its data
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}
	// update store size for next operation
	w += lenWidth
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// read a record from the underlying store with its position
func (s *store) Read(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// flush existing data on buffer
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	// read prefixed length of current data needed
	size := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(size, int64(pos)); err != nil {
		return nil, err
	}

	// read record by using its initial position and standard length as offset
	// this will skip the prefixed length and only read the actual data
	b := make([]byte, enc.Uint32(size))
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		return nil, err
	}
	return b, nil
}

// nextPosition returns the position right after the record stored at pos,
// without copying its payload. Used to skip forward between sparse index
// entries.
func (s *store) nextPosition(pos uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	size := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(size, int64(pos)); err != nil {
		return 0, err
	}
	return pos + lenWidth + uint64(enc.Uint32(size)), nil
}

// read len(p) bytes into p beginning at off offset
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off)
}

// scan walks every length-prefixed record from position 0, calling fn with
// each record's payload and byte position, stopping at the first error or
// when fn returns a non-nil error. It is used on open to validate the
// store's tail and rebuild the sparse index (spec "Algorithm — recovery").
// scan returns the byte offset of the first invalid or incomplete record,
// i.e. the store's true end.
func (s *store) scan(fn func(payload []byte, pos uint64) error) (validEnd uint64, err error) {
	s.mu.Lock()
	if ferr := s.buf.Flush(); ferr != nil {
		s.mu.Unlock()
		return 0, ferr
	}
	s.mu.Unlock()

	r := io.NewSectionReader(s.File, 0, int64(s.size))
	var pos uint64
	lenBuf := make([]byte, lenWidth)
	for {
		if _, rerr := io.ReadFull(r, lenBuf); rerr != nil {
			// a short read here (EOF or unexpected EOF) means the length
			// prefix itself was torn; pos is the true end.
			break
		}
		n := enc.Uint32(lenBuf)
		payload := make([]byte, n)
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			// the length prefix was written but the payload was torn.
			break
		}
		if ferr := fn(payload, pos); ferr != nil {
			break
		}
		pos += uint64(lenWidth) + uint64(n)
	}
	return pos, nil
}

// truncate cuts the store file down to size bytes, discarding any torn tail
// found during recovery.
func (s *store) truncate(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Truncate(int64(size)); err != nil {
		return err
	}
	s.size = size
	// bufio.Writer has no way to reposition; recreate it positioned at the
	// new end so subsequent Appends continue from there.
	if _, err := s.File.Seek(int64(size), io.SeekStart); err != nil {
		return err
	}
	s.buf = bufio.NewWriter(s.File)
	return nil
}

// persist buffered data before closing the underlying file
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
