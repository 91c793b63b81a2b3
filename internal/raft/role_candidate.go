package raft

import (
	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/errs"
)

// candidateRole runs an election: increments term, votes for self,
// broadcasts RequestVote, and becomes Leader on a majority (spec §4.3
// "Election", role table).
type candidateRole struct {
	electionElapsed int
	electionTimeout int
	votes           map[NodeId]bool
}

// newCandidateRole starts a new election: increments current_term, votes
// for self, resets the election deadline, and launches RequestVote RPCs to
// every peer (spec §4.3 "Election"). A single-node cluster's self-vote is
// already a majority, so it becomes Leader immediately rather than
// waiting for VoteResponses that will never arrive.
func newCandidateRole(n *Node) role {
	n.state.CurrentTerm++
	n.state.VotedFor = &n.id
	if err := n.stable.SetCurrentTerm(n.state.CurrentTerm); err != nil {
		n.logger.Error("persist current term", zap.Error(err))
	}
	if err := n.stable.SetVotedFor(n.id); err != nil {
		n.logger.Error("persist voted for", zap.Error(err))
	}

	c := &candidateRole{
		electionTimeout: n.randomElectionTicks(),
		votes:           map[NodeId]bool{n.id: true},
	}
	c.broadcastRequestVote(n)
	if c.hasMajority(n) {
		n.logger.Info("won uncontested election", zap.Uint64("term", n.state.CurrentTerm))
		return newLeaderRole(n)
	}
	return c
}

func (c *candidateRole) Role() Role { return RoleCandidate }

func (c *candidateRole) broadcastRequestVote(n *Node) {
	lastIndex, lastTerm := n.lastLogIndexTerm()
	req := &RequestVote{
		Term:         n.state.CurrentTerm,
		CandidateId:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for peer := range n.peers {
		if peer == n.id {
			continue
		}
		peer := peer
		go func() {
			resp, err := n.transport.SendRequestVote(peer, req)
			if err != nil {
				// transient failure: swallowed, the next election timeout
				// (or the current one, if the election resolves first)
				// will retry (spec §7 "propagation policy").
				return
			}
			n.Deliver(resp)
		}()
	}
}

func (c *candidateRole) hasMajority(n *Node) bool {
	granted := 0
	for _, ok := range c.votes {
		if ok {
			granted++
		}
	}
	return granted*2 > len(n.peers)
}

func (c *candidateRole) handleTick(n *Node) role {
	c.electionElapsed++
	if c.electionElapsed < c.electionTimeout {
		return c
	}
	// election timeout during election: new term, new vote (spec §4.3
	// role table "Candidate → Candidate").
	n.logger.Info("election timed out with no majority, starting new election", zap.Uint64("term", n.state.CurrentTerm))
	return newCandidateRole(n)
}

func (c *candidateRole) handleAppendEntries(n *Node, m *AppendEntries) (role, *AppendResponse) {
	if m.Term < n.state.CurrentTerm {
		return c, &AppendResponse{NodeId: n.id, Term: n.state.CurrentTerm, Success: false}
	}
	// Candidate → Follower: observes AppendEntries with term >= own.
	n.adoptTermIfNewer(m.Term)
	f := newFollowerRole(n, &m.LeaderId)
	return f.handleAppendEntries(n, m)
}

func (c *candidateRole) handleAppendResponse(n *Node, m *AppendResponse) role {
	return c
}

func (c *candidateRole) handleRequestVote(n *Node, m *RequestVote) (role, *VoteResponse) {
	if m.Term <= n.state.CurrentTerm {
		return c, &VoteResponse{Term: n.state.CurrentTerm, VoterId: n.id, Granted: false}
	}
	n.adoptTermIfNewer(m.Term)
	f := newFollowerRole(n, nil)
	return f.handleRequestVote(n, m)
}

func (c *candidateRole) handleVoteResponse(n *Node, m *VoteResponse) role {
	if m.Term > n.state.CurrentTerm {
		n.adoptTermIfNewer(m.Term)
		return newFollowerRole(n, nil)
	}
	if m.Term < n.state.CurrentTerm {
		return c
	}
	c.votes[m.VoterId] = m.Granted
	if c.hasMajority(n) {
		n.logger.Info("won election", zap.Uint64("term", n.state.CurrentTerm))
		return newLeaderRole(n)
	}
	return c
}

func (c *candidateRole) handlePropose(n *Node, m *Propose) role {
	m.Reply <- ProposeResult{Err: errs.NewNotLeader(0, false)}
	return c
}
