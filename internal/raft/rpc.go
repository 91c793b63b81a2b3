package raft

// the command surface accepted by a Node's single inbound channel (spec
// §4.3 "Command surface"). Tick and the four RPC messages are peer/timer
// originated; Propose is client-originated.

// Tick advances clocks and triggers heartbeats/elections.
type Tick struct{}

// AppendEntries is sent leader to follower to replicate (or, with an empty
// Entries slice, to heartbeat).
type AppendEntries struct {
	Term         uint64
	LeaderId     NodeId
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendResponse is the follower's reply to AppendEntries.
type AppendResponse struct {
	NodeId  NodeId
	Term    uint64
	Index   uint64
	Success bool
}

// RequestVote is broadcast by a Candidate at the start of an election.
type RequestVote struct {
	Term         uint64
	CandidateId  NodeId
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse is a voter's reply to RequestVote.
type VoteResponse struct {
	Term    uint64
	VoterId NodeId
	Granted bool
}

// Propose is a client-originated command; Reply is fulfilled on commit
// (Result populated) or on role change/timeout (Err populated).
type Propose struct {
	Payload []byte
	Reply   chan ProposeResult
}

// ProposeResult is delivered exactly once on a Propose's Reply channel.
type ProposeResult struct {
	Index  uint64
	Result []byte
	Err    error
}
