package log

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

var (
	// offset width for index in bytes
	offWidth uint64 = 4
	// width of record's position in the store
	posWidth uint64 = 4
	// track start position of next entry
	entWidth = offWidth + posWidth
)

type index struct {
	// persisted file
	file *os.File
	// memory mapped file for faster reads
	mmap gommap.MMap
	// size of index and location where next write will be appended
	size uint64
}

// create a new instance of the index file
func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{file: f}
	// get file info
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())

	// grow file to maximum index size before memory mapping as
	// file can't be grown after memory mapping. this pads the file
	// with zero's until the size is full
	if err := os.Truncate(f.Name(), int64(c.Segment.MaxIndexBytes)); err != nil {
		return nil, err
	}
	// create memory mapping
	mmap, err := gommap.Map(
		idx.file.Fd(),
		// assign rw permissions
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	)
	if err != nil {
		return nil, err
	}
	idx.mmap = mmap

	return idx, nil
}

func (i *index) Name() string {
	return i.file.Name()
}

// find the associated record's position in the store by index entry
// 'in' is the entry's slot number in the index (-1 for the last entry);
// with a sparse index this is not the record's relative offset
// returns the output relative offset, position of record in the store, error
func (i *index) Read(in int64) (out uint32, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}
	// check for negative offset values since 'in' is a relative measurement
	if in == -1 {
		out = uint32(i.size/entWidth - 1)
	} else {
		out = uint32(in)
	}
	// get byte position of entry in memory-mapped file
	pos = uint64(out) * entWidth
	if i.size < pos+entWidth {
		return 0, 0, io.EOF
	}

	// extract the actual content from the file
	// first 4 bytes is the offset and remaining 4 bytes for actual position
	out = enc.Uint32(i.mmap[pos : pos+offWidth])
	pos = uint64(enc.Uint32(i.mmap[pos+offWidth : pos+entWidth]))
	return out, pos, nil
}

// append a given relative offset value and actual position to index file
func (i *index) Write(off uint32, pos uint64) error {
	// check if there is enough space for writes
	if uint64(len(i.mmap)) < i.size+entWidth {
		return io.EOF
	}
	// add to the end of the index. offsets are relative to the base(first) offset
	enc.PutUint32(i.mmap[i.size:i.size+offWidth], off)
	enc.PutUint32(i.mmap[i.size+offWidth:i.size+entWidth], uint32(pos))
	i.size += uint64(entWidth)

	return nil
}

// entryCount returns how many index entries are currently stored.
func (i *index) entryCount() uint32 {
	return uint32(i.size / entWidth)
}

// LookupFloor finds the greatest index entry whose relative offset is
// less than or equal to relOff (spec 4.1 "locates the greatest index entry
// with relative_offset ≤ offset − base_offset"). Entries are sparse and
// strictly increasing in both fields, so a binary search over the mmap'd
// slots is correct. Returns (0, 0, false) when no entry qualifies, meaning
// the caller should scan from the start of the store.
func (i *index) LookupFloor(relOff uint32) (entryOff uint32, pos uint64, ok bool) {
	n := i.entryCount()
	if n == 0 {
		return 0, 0, false
	}
	lo, hi := 0, int(n)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		off, _, err := i.Read(int64(mid))
		if err != nil {
			hi = mid - 1
			continue
		}
		if off <= relOff {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	off, pos, err := i.Read(int64(best))
	if err != nil {
		return 0, 0, false
	}
	return off, pos, true
}

// reset discards all entries, preparing the index to be rebuilt from a
// fresh scan of the store (spec "Algorithm — recovery": rebuild the index
// to reflect the store's true end).
func (i *index) reset() {
	i.size = 0
}

func (i *index) Close() error {
	// flush changes made to the memory mapped region synchronously to disk
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	// commit file content to disk
	if err := i.file.Sync(); err != nil {
		return err
	}

	// unmap file before truncating. without this, windows prevents the
	// truncation as it may lead to corrupt memory
	if err := i.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	// truncate file to actual size to compensate for file growth during
	// memory mapping. this removes all zero padding
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}

	// close file
	if err := i.file.Close(); err != nil {
		return err
	}
	return nil
}
