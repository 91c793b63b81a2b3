package raft

import "go.uber.org/zap"

// role is implemented by followerRole, candidateRole and leaderRole.
// Transitions consume the receiver and return the new role value, mirroring
// the tagged-variant design in spec §9 ("Role transitions as tagged
// variants... transitions consume the old variant and construct the new").
type role interface {
	Role() Role
	handleTick(n *Node) role
	handleAppendEntries(n *Node, m *AppendEntries) (role, *AppendResponse)
	handleAppendResponse(n *Node, m *AppendResponse) role
	handleRequestVote(n *Node, m *RequestVote) (role, *VoteResponse)
	handleVoteResponse(n *Node, m *VoteResponse) role
	handlePropose(n *Node, m *Propose) role
}

// appendEntriesCommon implements the follower-append rule shared by every
// role when it ends up accepting replication as a follower (spec §4.3
// "Follower append rule"). Returns success and, on success, the new
// commit_index to adopt.
func appendEntriesCommon(n *Node, m *AppendEntries) (success bool, newCommitIndex uint64) {
	if m.Term < n.state.CurrentTerm {
		return false, n.state.CommitIndex
	}
	if m.PrevLogIndex != 0 {
		entry, ok := n.log.Get(m.PrevLogIndex)
		if !ok || entry.Term != m.PrevLogTerm {
			return false, n.state.CommitIndex
		}
	}
	for _, e := range m.Entries {
		existing, ok := n.log.Get(e.Index)
		if ok && existing.Term != e.Term {
			// conflict: truncate from the conflict point and append the rest.
			if err := n.log.TruncateFrom(e.Index); err != nil {
				n.logger.Error("truncate on conflict", zap.Error(err))
				return false, n.state.CommitIndex
			}
			ok = false
		}
		if !ok {
			if err := n.log.Append([]Entry{e}); err != nil {
				n.logger.Error("append entry", zap.Error(err))
				return false, n.state.CommitIndex
			}
		}
	}
	commitIndex := n.state.CommitIndex
	if m.LeaderCommit > commitIndex {
		last := m.PrevLogIndex + uint64(len(m.Entries))
		commitIndex = m.LeaderCommit
		if commitIndex > last {
			commitIndex = last
		}
	}
	return true, commitIndex
}

// grantVoteIfEligible implements spec §4.3 "Election" voter rules.
func grantVoteIfEligible(n *Node, m *RequestVote) bool {
	if m.Term < n.state.CurrentTerm {
		return false
	}
	if n.state.VotedFor != nil && *n.state.VotedFor != m.CandidateId {
		return false
	}
	if !n.isLogUpToDate(m.LastLogIndex, m.LastLogTerm) {
		return false
	}
	n.state.VotedFor = &m.CandidateId
	if err := n.stable.SetVotedFor(m.CandidateId); err != nil {
		n.logger.Error("persist voted for", zap.Error(err))
	}
	return true
}
