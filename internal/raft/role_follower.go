package raft

import (
	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/errs"
)

// followerRole is the initial role and the role every node returns to
// after observing a current leader (spec §4.3 role table).
type followerRole struct {
	leaderId        *NodeId
	electionElapsed int
	electionTimeout int
}

func newFollowerRole(n *Node, leaderId *NodeId) *followerRole {
	return &followerRole{
		leaderId:        leaderId,
		electionTimeout: n.randomElectionTicks(),
	}
}

func (f *followerRole) Role() Role { return RoleFollower }

func (f *followerRole) handleTick(n *Node) role {
	f.electionElapsed++
	if f.electionElapsed < f.electionTimeout {
		return f
	}
	n.logger.Info("election timeout elapsed, becoming candidate", zap.Uint64("term", n.state.CurrentTerm))
	return newCandidateRole(n)
}

func (f *followerRole) handleAppendEntries(n *Node, m *AppendEntries) (role, *AppendResponse) {
	if m.Term < n.state.CurrentTerm {
		return f, &AppendResponse{NodeId: n.id, Term: n.state.CurrentTerm, Success: false}
	}
	n.adoptTermIfNewer(m.Term)
	f.leaderId = &m.LeaderId
	f.electionElapsed = 0

	success, commitIndex := appendEntriesCommon(n, m)
	if success {
		n.state.CommitIndex = commitIndex
	}
	idx := m.PrevLogIndex + uint64(len(m.Entries))
	return f, &AppendResponse{NodeId: n.id, Term: n.state.CurrentTerm, Index: idx, Success: success}
}

func (f *followerRole) handleAppendResponse(n *Node, m *AppendResponse) role {
	// a plain follower never sent AppendEntries, so any reply is stale.
	return f
}

func (f *followerRole) handleRequestVote(n *Node, m *RequestVote) (role, *VoteResponse) {
	if m.Term < n.state.CurrentTerm {
		return f, &VoteResponse{Term: n.state.CurrentTerm, VoterId: n.id, Granted: false}
	}
	n.adoptTermIfNewer(m.Term)
	granted := grantVoteIfEligible(n, m)
	if granted {
		f.electionElapsed = 0
	}
	return f, &VoteResponse{Term: n.state.CurrentTerm, VoterId: n.id, Granted: granted}
}

func (f *followerRole) handleVoteResponse(n *Node, m *VoteResponse) role {
	return f
}

func (f *followerRole) handlePropose(n *Node, m *Propose) role {
	var err error
	if f.leaderId != nil {
		err = errs.NewNotLeader(uint64(*f.leaderId), true)
	} else {
		err = errs.NewNotLeader(0, false)
	}
	m.Reply <- ProposeResult{Err: err}
	return f
}
