// Package raft implements the role-based consensus state machine that
// replicates an ordered log of opaque commands across a cluster and applies
// committed entries to a user-supplied finite state machine.
package raft

import "time"

// NodeId is a stable small integer identifying a Raft peer.
type NodeId uint64

// Entry is the unit of the Raft log: a monotonic, gap-free, 1-based Index
// paired with the Term it was appended in and an opaque Payload interpreted
// only by the FSM.
type Entry struct {
	Index   uint64
	Term    uint64
	Payload []byte
}

// State is per-node persistent Raft state. CommitIndex and LastApplied are
// monotonically non-decreasing across the node's lifetime.
type State struct {
	CurrentTerm uint64
	// VotedFor is nil when the node has not voted in CurrentTerm.
	VotedFor    *NodeId
	CommitIndex uint64
	LastApplied uint64
}

// Role names the three roles a Node can occupy.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer pairs a NodeId with its transport address, per the node map (spec
// §3 "NodeId").
type Peer struct {
	ID   NodeId
	Addr string
}

// Config bounds a Node's timers and replication batching.
type Config struct {
	ID NodeId
	// Peers is the full node map, including this node's own id/address;
	// cluster size and quorum size are both derived from len(Peers).
	Peers map[NodeId]string

	TickInterval        time.Duration
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	HeartbeatInterval   time.Duration
	MaxInflight         int
	ReplicationTimeout  time.Duration
}

// DefaultConfig fills in the timer values named in spec §4.3 ("Timing").
func DefaultConfig(id NodeId, peers map[NodeId]string) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		TickInterval:       10 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxInflight:        MaxInflight,
		ReplicationTimeout: 100 * time.Millisecond,
	}
}

// FSM is the interface the Node drives after each commit (spec §4.4
// "public contract"). apply must be a pure function of (state, payload).
type FSM interface {
	Apply(payload []byte) []byte
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// Log is the durable store backing the Raft log (spec §9 open question:
// storage choice left to the implementer, invariant is "a committed entry
// survives any single-node crash").
type Log interface {
	// Append stores entries starting at entries[0].Index, which callers
	// guarantee is log.LastIndex()+1.
	Append(entries []Entry) error
	// Get returns the entry at index, or ok=false if none exists.
	Get(index uint64) (Entry, bool)
	// LastIndex returns the index of the last stored entry, or 0 if empty.
	LastIndex() uint64
	// LastTerm returns the term of the last stored entry, or 0 if empty.
	LastTerm() uint64
	// TruncateFrom discards all entries at index >= from.
	TruncateFrom(from uint64) error
	// Range returns entries in [from, to).
	Range(from, to uint64) ([]Entry, error)
}

// Stable is the durable store for CurrentTerm/VotedFor (spec §6 "Durable
// Raft state... via the external ordered KV, each as a single key with
// atomic update").
type Stable interface {
	SetCurrentTerm(term uint64) error
	CurrentTerm() (uint64, error)
	SetVotedFor(id NodeId) error
	ClearVotedFor() error
	VotedFor() (NodeId, bool, error)
}

// Transport sends RPCs to a named peer. Implementations carry their own
// deadline shorter than the election timeout (spec §5 "Cancellation and
// timeouts").
type Transport interface {
	SendAppendEntries(peer NodeId, req *AppendEntries) (*AppendResponse, error)
	SendRequestVote(peer NodeId, req *RequestVote) (*VoteResponse, error)
}
