package raft

import "errors"

// MaxInflight bounds how many entries ahead of a confirmed match a leader
// will stream to a follower in Replicate mode (spec §3 "ReplicationProgress").
const MaxInflight = 256

// ProgressMode is one of the three replication modes a peer's progress can
// be in (spec §3 "ReplicationProgress").
type ProgressMode int

const (
	// ProgressProbe sends one entry at a time to discover the follower's
	// match point.
	ProgressProbe ProgressMode = iota
	// ProgressReplicate streams batches up to MAX_INFLIGHT entries ahead
	// of confirmed match.
	ProgressReplicate
	// ProgressSnapshot transfers a state-machine snapshot. Deferred per
	// spec §9 open questions; left as an explicit NotImplemented stub.
	ProgressSnapshot
)

// ErrSnapshotNotImplemented is returned by anything that would need to
// drive a peer into ProgressSnapshot (spec §9: "leave as a placeholder
// variant with explicit NotImplemented fails").
var ErrSnapshotNotImplemented = errors.New("raft: snapshot replication mode not implemented")

// Progress is one peer's replication bookkeeping, leader-only. Invariant:
// MatchIndex < NextIndex; MatchIndex never regresses.
type Progress struct {
	Mode ProgressMode
	// MatchIndex is the highest index known replicated to this peer.
	MatchIndex uint64
	// NextIndex is the next index to send to this peer.
	NextIndex uint64
	// PrevLogTerm caches the term of the entry at NextIndex-1 so every
	// AppendEntries can populate prev_log_term without a log lookup on the
	// hot path (spec §9: "track it in progress, populate on every
	// AppendEntries").
	PrevLogTerm uint64
}

// NewProgress starts a peer in Probe mode with NextIndex one past the
// leader's last log entry, per the usual Raft initialization (the leader
// optimistically assumes the follower might be fully caught up and backs
// off to Probe on the first mismatch).
func NewProgress(lastIndex uint64) *Progress {
	return &Progress{
		Mode:      ProgressProbe,
		NextIndex: lastIndex + 1,
	}
}

// onSuccess advances MatchIndex to index and promotes the peer to
// Replicate mode (spec §4.3 "Leader replication": "on successful
// AppendResponse, advance match_index = index and set
// next_index = match_index + 1").
func (p *Progress) onSuccess(index uint64) {
	if index > p.MatchIndex {
		p.MatchIndex = index
	}
	p.NextIndex = p.MatchIndex + 1
	p.Mode = ProgressReplicate
}

// onFailure backs the peer off to Probe mode and decrements NextIndex by
// one (spec §4.3: "On failure (log mismatch), decrement next_index by one
// and transition to Probe").
func (p *Progress) onFailure() {
	p.Mode = ProgressProbe
	if p.NextIndex > 1 {
		p.NextIndex--
	}
}

// inflightRange returns the half-open [start, end) range of log indices to
// send on this tick, per mode (spec §4.3 "Leader replication").
func (p *Progress) inflightRange(lastIndex uint64, maxInflight int) (start, end uint64) {
	start = p.NextIndex
	if start > lastIndex+1 {
		start = lastIndex + 1
	}
	switch p.Mode {
	case ProgressProbe:
		end = start
		if start <= lastIndex {
			end = start + 1
		}
	default:
		end = start + uint64(maxInflight)
		if end > lastIndex+1 {
			end = lastIndex + 1
		}
	}
	return start, end
}
