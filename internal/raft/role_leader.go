package raft

import (
	"sort"

	"go.uber.org/zap"
)

// leaderRole replicates the log to every peer and advances commit_index
// under the quorum-safety commit rule (spec §4.3 "Leader replication",
// "Commit rule").
type leaderRole struct {
	progress         map[NodeId]*Progress
	heartbeatElapsed int
	heartbeatTimeout int
}

// newLeaderRole resets every peer's progress to Probe mode at the leader's
// own log end (spec §9 "Leader: progress+heartbeat").
func newLeaderRole(n *Node) *leaderRole {
	lastIndex := n.log.LastIndex()
	l := &leaderRole{
		progress:         make(map[NodeId]*Progress),
		heartbeatTimeout: n.heartbeatTicks(),
	}
	for peer := range n.peers {
		if peer == n.id {
			continue
		}
		p := NewProgress(lastIndex)
		n.refreshPrevLogTerm(p)
		l.progress[peer] = p
	}
	l.replicateAll(n)
	return l
}

func (l *leaderRole) Role() Role { return RoleLeader }

// refreshPrevLogTerm is defined on Node since it needs log access; declared
// here for readability at the call site above.
func (n *Node) refreshPrevLogTerm(p *Progress) {
	if p.NextIndex <= 1 {
		p.PrevLogTerm = 0
		return
	}
	if entry, ok := n.log.Get(p.NextIndex - 1); ok {
		p.PrevLogTerm = entry.Term
	}
}

func (l *leaderRole) replicateAll(n *Node) {
	lastIndex := n.log.LastIndex()
	for peer, p := range l.progress {
		l.replicateOne(n, peer, p, lastIndex)
	}
}

func (l *leaderRole) replicateOne(n *Node, peer NodeId, p *Progress, lastIndex uint64) {
	start, end := p.inflightRange(lastIndex, n.config.MaxInflight)
	var entries []Entry
	if end > start {
		var err error
		entries, err = n.log.Range(start, end)
		if err != nil {
			n.logger.Error("read replication range", zap.Error(err))
			return
		}
	}
	req := &AppendEntries{
		Term:         n.state.CurrentTerm,
		LeaderId:     n.id,
		PrevLogIndex: p.NextIndex - 1,
		PrevLogTerm:  p.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: n.state.CommitIndex,
	}
	peer := peer
	go func() {
		resp, err := n.transport.SendAppendEntries(peer, req)
		if err != nil {
			// abandoned on timeout/transient failure; next tick retries
			// (spec §5 "Cancellation and timeouts").
			return
		}
		n.Deliver(resp)
	}()
}

func (l *leaderRole) needsHeartbeat() bool {
	return l.heartbeatElapsed >= l.heartbeatTimeout
}

func (l *leaderRole) handleTick(n *Node) role {
	l.heartbeatElapsed++
	if l.needsHeartbeat() {
		l.replicateAll(n)
		l.heartbeatElapsed = 0
		return l
	}
	// still replicate peers that have more to send even between
	// heartbeats, so replication isn't gated on the heartbeat cadence.
	lastIndex := n.log.LastIndex()
	for peer, p := range l.progress {
		if p.NextIndex <= lastIndex {
			l.replicateOne(n, peer, p, lastIndex)
		}
	}
	return l
}

func (l *leaderRole) handleAppendEntries(n *Node, m *AppendEntries) (role, *AppendResponse) {
	if m.Term <= n.state.CurrentTerm {
		// a leader never accepts replication at its own or an older term.
		return l, &AppendResponse{NodeId: n.id, Term: n.state.CurrentTerm, Success: false}
	}
	// Leader → Follower: observes any message with term > own.
	n.adoptTermIfNewer(m.Term)
	n.failPending(errStepDown)
	f := newFollowerRole(n, &m.LeaderId)
	return f.handleAppendEntries(n, m)
}

func (l *leaderRole) handleAppendResponse(n *Node, m *AppendResponse) role {
	p, ok := l.progress[m.NodeId]
	if !ok {
		return l
	}
	if m.Success {
		p.onSuccess(m.Index)
		n.refreshPrevLogTerm(p)
		if p.NextIndex <= n.log.LastIndex() {
			l.replicateOne(n, m.NodeId, p, n.log.LastIndex())
		}
		l.advanceCommitIndex(n)
	} else {
		p.onFailure()
		n.refreshPrevLogTerm(p)
		l.replicateOne(n, m.NodeId, p, n.log.LastIndex())
	}
	return l
}

// advanceCommitIndex implements spec §4.3 "Commit rule": the largest N such
// that a majority of peers (including self) have match_index >= N and
// log[N].term == current_term.
func (l *leaderRole) advanceCommitIndex(n *Node) {
	matches := make([]uint64, 0, len(l.progress)+1)
	matches = append(matches, n.log.LastIndex()) // self
	for _, p := range l.progress {
		matches = append(matches, p.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	// matches[quorum-1] is the highest index known replicated to a
	// majority (including self).
	quorum := len(matches)/2 + 1
	candidate := matches[quorum-1]
	if candidate <= n.state.CommitIndex {
		return
	}
	entry, ok := n.log.Get(candidate)
	if !ok || entry.Term != n.state.CurrentTerm {
		// entries from prior terms commit only indirectly, when a
		// current-term entry above them commits (spec "Commit rule").
		return
	}
	n.state.CommitIndex = candidate
}

func (l *leaderRole) handleRequestVote(n *Node, m *RequestVote) (role, *VoteResponse) {
	if m.Term <= n.state.CurrentTerm {
		return l, &VoteResponse{Term: n.state.CurrentTerm, VoterId: n.id, Granted: false}
	}
	n.adoptTermIfNewer(m.Term)
	n.failPending(errStepDown)
	f := newFollowerRole(n, nil)
	return f.handleRequestVote(n, m)
}

func (l *leaderRole) handleVoteResponse(n *Node, m *VoteResponse) role {
	return l
}

func (l *leaderRole) handlePropose(n *Node, m *Propose) role {
	lastIndex := n.log.LastIndex()
	entry := Entry{Index: lastIndex + 1, Term: n.state.CurrentTerm, Payload: m.Payload}
	if err := n.log.Append([]Entry{entry}); err != nil {
		m.Reply <- ProposeResult{Err: err}
		return l
	}
	n.pending[entry.Index] = m.Reply
	l.replicateAll(n)
	// the leader's own match is always part of the quorum count, so a
	// single-node cluster (no peers to reply) still commits here rather
	// than waiting on an AppendResponse that will never arrive.
	l.advanceCommitIndex(n)
	return l
}
