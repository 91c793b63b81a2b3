package raft

import (
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is a read-only snapshot of a Node's role and term, safe to read
// from any goroutine (spec §5 "Controller snapshot handoff" applies the
// same pattern to Raft's own status, not only the FSM).
type Status struct {
	Role       Role
	Term       uint64
	LeaderId   NodeId
	HaveLeader bool
}

// inboxMsg wraps a command with an optional synchronous reply channel,
// used for peer RPCs that must answer the caller (the transport's inbound
// handler), as opposed to Tick/AppendResponse/VoteResponse which are
// fire-and-forget into the serialization point.
type inboxMsg struct {
	cmd   any
	reply chan any
}

// Node is a per-process Raft state machine: one of Follower, Candidate or
// Leader, fed by a single inbound channel (spec §4.3, §5). All mutation of
// log/state/role happens on the single goroutine running Node.run; every
// other goroutine communicates through the inbox.
type Node struct {
	id     NodeId
	peers  map[NodeId]string
	config Config

	log       Log
	fsm       FSM
	stable    Stable
	transport Transport
	logger    *zap.Logger

	state State
	role  role

	// pending holds Propose replies awaiting commit, keyed by log index.
	pending map[uint64]chan ProposeResult

	inbox   chan inboxMsg
	stopCh  chan struct{}
	status  atomic.Value // Status
	rng     *rand.Rand

	// OnApply, if set, is invoked once per inbox message after any entries
	// were applied to the FSM, so a caller (e.g. the Controller FSM) can
	// publish a fresh read snapshot (spec §4.4 "Controller snapshot
	// handoff").
	OnApply func()
}

// NewNode restores persisted term/vote from stable storage and starts the
// node as a Follower with no known leader (spec §4.3 "Initial role").
func NewNode(cfg Config, log Log, fsm FSM, stable Stable, transport Transport) (*Node, error) {
	term, err := stable.CurrentTerm()
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:        cfg.ID,
		peers:     cfg.Peers,
		config:    cfg,
		log:       log,
		fsm:       fsm,
		stable:    stable,
		transport: transport,
		logger:    zap.L().Named("raft"),
		state:     State{CurrentTerm: term},
		pending:   make(map[uint64]chan ProposeResult),
		inbox:     make(chan inboxMsg, 256),
		stopCh:    make(chan struct{}),
		rng:       rand.New(rand.NewSource(int64(cfg.ID) + 1)),
	}
	if votedFor, ok, err := stable.VotedFor(); err != nil {
		return nil, err
	} else if ok {
		n.state.VotedFor = &votedFor
	}
	n.role = newFollowerRole(n, nil)
	n.publishStatus()
	return n, nil
}

// Start launches the tick timer and the single processing goroutine. All
// node mutation happens only inside that goroutine (spec §5
// "Shared-resource policy"); every method below reaches it exclusively by
// sending on n.inbox.
func (n *Node) Start() {
	n.StartProcessing()
	go n.tickLoop()
}

// StartProcessing launches only the inbox-processing goroutine, without
// the periodic ticker, so tests can drive Tick manually and deterministically
// (spec §9 "Background clocks as external ticks... makes the Node
// deterministic under test, inject ticks manually").
func (n *Node) StartProcessing() {
	go n.run()
}

// Stop halts the tick timer and processing goroutine.
func (n *Node) Stop() {
	close(n.stopCh)
}

func (n *Node) tickLoop() {
	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case n.inbox <- inboxMsg{cmd: Tick{}}:
			case <-n.stopCh:
				return
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) run() {
	for {
		select {
		case msg := <-n.inbox:
			n.handle(msg)
		case <-n.stopCh:
			return
		}
	}
}

// Tick sends a manual tick into the inbox for deterministic tests (spec §9
// "Background clocks as external ticks"). Requires StartProcessing (or
// Start) to have been called.
func (n *Node) Tick() {
	n.Deliver(Tick{})
}

// Deliver feeds a peer-originated fire-and-forget message (AppendResponse
// or VoteResponse) into the serialization point. Exposed for tests and for
// the replication goroutines below.
func (n *Node) Deliver(cmd any) {
	select {
	case n.inbox <- inboxMsg{cmd: cmd}:
	case <-n.stopCh:
	}
}

// HandleAppendEntries is the entry point used by the peer transport server
// when an AppendEntries arrives over the wire; it blocks until the single
// processing goroutine has handled it.
func (n *Node) HandleAppendEntries(req *AppendEntries) *AppendResponse {
	reply := make(chan any, 1)
	select {
	case n.inbox <- inboxMsg{cmd: req, reply: reply}:
	case <-n.stopCh:
		return &AppendResponse{NodeId: n.id, Term: n.state.CurrentTerm, Success: false}
	}
	return (<-reply).(*AppendResponse)
}

// HandleRequestVote is the entry point used by the peer transport server
// when a RequestVote arrives over the wire; it blocks until the single
// processing goroutine has handled it.
func (n *Node) HandleRequestVote(req *RequestVote) *VoteResponse {
	reply := make(chan any, 1)
	select {
	case n.inbox <- inboxMsg{cmd: req, reply: reply}:
	case <-n.stopCh:
		return &VoteResponse{VoterId: n.id, Granted: false}
	}
	return (<-reply).(*VoteResponse)
}

// Propose submits a client command to the leader's log. The returned
// channel is fulfilled on commit or when the node steps down/errors before
// commit (spec §4.3 "Propose... reply channel is fulfilled on commit
// (success) or role change (failure)").
func (n *Node) Propose(payload []byte) <-chan ProposeResult {
	reply := make(chan ProposeResult, 1)
	select {
	case n.inbox <- inboxMsg{cmd: &Propose{Payload: payload, Reply: reply}}:
	case <-n.stopCh:
		reply <- ProposeResult{Err: errStepDown}
	}
	return reply
}

// Status returns the last published role/term snapshot, safe to call from
// any goroutine without touching the Raft task (spec §5 "Shared-resource
// policy").
func (n *Node) Status() Status {
	return n.status.Load().(Status)
}

func (n *Node) publishStatus() {
	s := Status{Role: n.role.Role(), Term: n.state.CurrentTerm}
	if f, ok := n.role.(*followerRole); ok && f.leaderId != nil {
		s.LeaderId = *f.leaderId
		s.HaveLeader = true
	}
	if n.role.Role() == RoleLeader {
		s.LeaderId = n.id
		s.HaveLeader = true
	}
	n.status.Store(s)
}

func (n *Node) handle(msg inboxMsg) {
	switch cmd := msg.cmd.(type) {
	case Tick:
		n.role = n.role.handleTick(n)
	case *AppendEntries:
		newRole, resp := n.role.handleAppendEntries(n, cmd)
		n.role = newRole
		if msg.reply != nil {
			msg.reply <- resp
		}
	case *AppendResponse:
		n.adoptTermIfNewer(cmd.Term)
		n.role = n.role.handleAppendResponse(n, cmd)
	case *RequestVote:
		newRole, resp := n.role.handleRequestVote(n, cmd)
		n.role = newRole
		if msg.reply != nil {
			msg.reply <- resp
		}
	case *VoteResponse:
		n.adoptTermIfNewer(cmd.Term)
		n.role = n.role.handleVoteResponse(n, cmd)
	case *Propose:
		n.role = n.role.handlePropose(n, cmd)
	}
	n.applyCommitted()
	n.publishStatus()
}

// adoptTermIfNewer updates CurrentTerm and clears VotedFor whenever a
// message carries a newer term (spec §3 "State": "voted_for... reset on
// term change"). It does not by itself change role; callers decide that
// per the transition table in spec §4.3.
func (n *Node) adoptTermIfNewer(term uint64) bool {
	if term <= n.state.CurrentTerm {
		return false
	}
	n.state.CurrentTerm = term
	n.state.VotedFor = nil
	if err := n.stable.SetCurrentTerm(term); err != nil {
		n.logger.Error("persist current term", zap.Error(err))
	}
	if err := n.stable.ClearVotedFor(); err != nil {
		n.logger.Error("clear voted for", zap.Error(err))
	}
	return true
}

// applyCommitted runs the apply loop (spec §4.3 "Apply loop"): while
// last_applied < commit_index, hand each entry's payload to the FSM in
// order and resolve any pending proposal for that index.
func (n *Node) applyCommitted() {
	applied := false
	for n.state.LastApplied < n.state.CommitIndex {
		idx := n.state.LastApplied + 1
		entry, ok := n.log.Get(idx)
		if !ok {
			break
		}
		result := n.fsm.Apply(entry.Payload)
		if reply, ok := n.pending[idx]; ok {
			reply <- ProposeResult{Index: idx, Result: result}
			delete(n.pending, idx)
		}
		n.state.LastApplied = idx
		applied = true
	}
	if applied && n.OnApply != nil {
		n.OnApply()
	}
}

// failPending errors out every still-pending proposal, used when a Leader
// steps down: entries already appended may still commit under a future
// leader, but this node can no longer promise it (spec §5 "Cancellation
// and timeouts": the underlying entry, if already appended, will still
// commit; the FSM output is then discarded here since this node no longer
// owns the reply).
func (n *Node) failPending(err error) {
	for idx, reply := range n.pending {
		reply <- ProposeResult{Index: idx, Err: err}
		delete(n.pending, idx)
	}
}

func (n *Node) randomElectionTicks() int {
	minTicks := int(n.config.ElectionTimeoutMin / n.config.TickInterval)
	maxTicks := int(n.config.ElectionTimeoutMax / n.config.TickInterval)
	if maxTicks <= minTicks {
		return minTicks
	}
	return minTicks + n.rng.Intn(maxTicks-minTicks)
}

func (n *Node) heartbeatTicks() int {
	ticks := int(n.config.HeartbeatInterval / n.config.TickInterval)
	if ticks < 1 {
		return 1
	}
	return ticks
}

// lastLogIndexTerm returns the index/term of the last log entry, or
// (0, 0) for an empty log.
func (n *Node) lastLogIndexTerm() (uint64, uint64) {
	idx := n.log.LastIndex()
	if idx == 0 {
		return 0, 0
	}
	return idx, n.log.LastTerm()
}

// isLogUpToDate implements the RequestVote up-to-date check (spec §4.3
// "Election": "candidate's log is at least as up-to-date").
func (n *Node) isLogUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myIndex, myTerm := n.lastLogIndexTerm()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}
