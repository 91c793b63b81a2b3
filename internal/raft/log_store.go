package raft

import (
	"encoding/binary"

	api "github.com/mrshabel/gumraft/api/v1"
	gumlog "github.com/mrshabel/gumraft/internal/log"
)

// PartitionLogStore adapts a dedicated PartitionLog (conventionally the
// `__raft_log` topic-partition) into the Raft Log interface, resolving the
// spec §9 open question ("storage choice... left to the implementer") by
// reusing the same segmented, fsync'd store the data plane uses rather
// than introducing a second persistence mechanism.
//
// Raft's 1-based, gap-free index maps onto the PartitionLog's 0-based
// dense offset as index = offset + 1. A record's Term, which the segment
// store's own header does not carry, is packed into the record's Key as
// an 8-byte big-endian integer; Value carries the entry's opaque payload.
type PartitionLogStore struct {
	log *gumlog.PartitionLog
}

// NewPartitionLogStore wraps an already-open PartitionLog.
func NewPartitionLogStore(l *gumlog.PartitionLog) *PartitionLogStore {
	return &PartitionLogStore{log: l}
}

func toRecord(e Entry) *api.Record {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, e.Term)
	return &api.Record{Key: key, Value: e.Payload}
}

func fromRecord(rec *api.Record, index uint64) Entry {
	var term uint64
	if len(rec.Key) == 8 {
		term = binary.BigEndian.Uint64(rec.Key)
	}
	return Entry{Index: index, Term: term, Payload: rec.Value}
}

// Append stores entries starting at entries[0].Index, which the caller
// (the Raft role code) guarantees is LastIndex()+1.
func (s *PartitionLogStore) Append(entries []Entry) error {
	for _, e := range entries {
		if _, err := s.log.Append(toRecord(e)); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the entry at index, or ok=false if none is stored.
func (s *PartitionLogStore) Get(index uint64) (Entry, bool) {
	if index == 0 {
		return Entry{}, false
	}
	rec, err := s.log.ReadOne(index - 1)
	if err != nil {
		return Entry{}, false
	}
	return fromRecord(rec, index), true
}

// LastIndex returns 0 for an empty log; otherwise log_end_offset equals
// the last stored Raft index under the index = offset + 1 mapping.
func (s *PartitionLogStore) LastIndex() uint64 {
	return s.log.LogEndOffset()
}

// LastTerm returns 0 for an empty log.
func (s *PartitionLogStore) LastTerm() uint64 {
	last := s.LastIndex()
	if last == 0 {
		return 0
	}
	entry, ok := s.Get(last)
	if !ok {
		return 0
	}
	return entry.Term
}

// TruncateFrom discards all entries at index >= from (spec 4.2
// truncate_to, reused here for the follower log-repair rule in §4.3).
func (s *PartitionLogStore) TruncateFrom(from uint64) error {
	if from == 0 {
		from = 1
	}
	return s.log.TruncateTo(from - 1)
}

// Range returns entries in the half-open index range [from, to).
func (s *PartitionLogStore) Range(from, to uint64) ([]Entry, error) {
	if to <= from {
		return nil, nil
	}
	entries := make([]Entry, 0, to-from)
	for idx := from; idx < to; idx++ {
		entry, ok := s.Get(idx)
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
