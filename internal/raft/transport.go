package raft

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/protocol"
)

// peer message kinds, framed the same way as client traffic (spec §6
// "Inter-broker RPC: the same framing is used peer-to-peer for Raft
// messages").
const (
	msgAppendEntries byte = iota
	msgAppendResponse
	msgRequestVote
	msgVoteResponse
)

// TCPTransport dials a short-lived connection per RPC and round-trips one
// framed request for one framed response. Simplicity over connection
// pooling is deliberate: Raft RPCs are small, infrequent relative to
// client traffic, and every call already carries its own deadline (spec
// §5 "Cancellation and timeouts").
type TCPTransport struct {
	mu    sync.Mutex
	addrs map[NodeId]string
	dial  func(network, address string, timeout time.Duration) (net.Conn, error)
}

func NewTCPTransport(addrs map[NodeId]string) *TCPTransport {
	return &TCPTransport{
		addrs: addrs,
		dial:  net.DialTimeout,
	}
}

func (t *TCPTransport) addr(peer NodeId) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.addrs[peer]
	return a, ok
}

func (t *TCPTransport) SendAppendEntries(peer NodeId, req *AppendEntries) (*AppendResponse, error) {
	addr, ok := t.addr(peer)
	if !ok {
		return nil, fmt.Errorf("raft: no address for peer %d", peer)
	}
	conn, err := t.dial("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(100 * time.Millisecond))

	if err := protocol.WriteFrame(conn, encodeAppendEntries(req)); err != nil {
		return nil, err
	}
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return decodeAppendResponse(body), nil
}

func (t *TCPTransport) SendRequestVote(peer NodeId, req *RequestVote) (*VoteResponse, error) {
	addr, ok := t.addr(peer)
	if !ok {
		return nil, fmt.Errorf("raft: no address for peer %d", peer)
	}
	conn, err := t.dial("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(100 * time.Millisecond))

	if err := protocol.WriteFrame(conn, encodeRequestVote(req)); err != nil {
		return nil, err
	}
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return decodeVoteResponse(body), nil
}

// PeerServer accepts inbound Raft RPC connections and dispatches each
// framed message to a Node, replying on the same connection.
type PeerServer struct {
	node     *Node
	listener net.Listener
	logger   *zap.Logger
}

func NewPeerServer(node *Node, listener net.Listener) *PeerServer {
	return &PeerServer{node: node, listener: listener, logger: zap.L().Named("raft-peer")}
}

// Serve accepts connections until the listener is closed.
func (s *PeerServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *PeerServer) handleConn(conn net.Conn) {
	defer conn.Close()
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return
	}
	if len(body) < 2 {
		return
	}
	kind := byte(protocol.NewDecoder(body).GetInt16())
	switch kind {
	case msgAppendEntries:
		req := decodeAppendEntries(body)
		resp := s.node.HandleAppendEntries(req)
		protocol.WriteFrame(conn, encodeAppendResponse(resp))
	case msgRequestVote:
		req := decodeRequestVote(body)
		resp := s.node.HandleRequestVote(req)
		protocol.WriteFrame(conn, encodeVoteResponse(resp))
	default:
		s.logger.Warn("unknown peer message kind", zap.Int("kind", int(kind)))
	}
}

func encodeAppendEntries(m *AppendEntries) []byte {
	e := protocol.NewEncoder()
	e.PutInt16(int16(msgAppendEntries))
	e.PutInt64(int64(m.Term))
	e.PutInt64(int64(m.LeaderId))
	e.PutInt64(int64(m.PrevLogIndex))
	e.PutInt64(int64(m.PrevLogTerm))
	e.PutInt64(int64(m.LeaderCommit))
	e.PutCompactArrayLen(len(m.Entries))
	for _, ent := range m.Entries {
		e.PutInt64(int64(ent.Index))
		e.PutInt64(int64(ent.Term))
		e.PutBytes(ent.Payload)
	}
	return e.Bytes()
}

func decodeAppendEntries(body []byte) *AppendEntries {
	d := protocol.NewDecoder(body)
	_ = d.GetInt16() // message kind
	m := &AppendEntries{
		Term:         uint64(d.GetInt64()),
		LeaderId:     NodeId(d.GetInt64()),
		PrevLogIndex: uint64(d.GetInt64()),
		PrevLogTerm:  uint64(d.GetInt64()),
		LeaderCommit: uint64(d.GetInt64()),
	}
	n := d.GetCompactArrayLen()
	for i := 0; i < n; i++ {
		m.Entries = append(m.Entries, Entry{
			Index:   uint64(d.GetInt64()),
			Term:    uint64(d.GetInt64()),
			Payload: d.GetBytes(),
		})
	}
	return m
}

func encodeAppendResponse(m *AppendResponse) []byte {
	e := protocol.NewEncoder()
	e.PutInt16(int16(msgAppendResponse))
	e.PutInt64(int64(m.NodeId))
	e.PutInt64(int64(m.Term))
	e.PutInt64(int64(m.Index))
	if m.Success {
		e.PutInt16(1)
	} else {
		e.PutInt16(0)
	}
	return e.Bytes()
}

func decodeAppendResponse(body []byte) *AppendResponse {
	d := protocol.NewDecoder(body)
	_ = d.GetInt16()
	return &AppendResponse{
		NodeId:  NodeId(d.GetInt64()),
		Term:    uint64(d.GetInt64()),
		Index:   uint64(d.GetInt64()),
		Success: d.GetInt16() == 1,
	}
}

func encodeRequestVote(m *RequestVote) []byte {
	e := protocol.NewEncoder()
	e.PutInt16(int16(msgRequestVote))
	e.PutInt64(int64(m.Term))
	e.PutInt64(int64(m.CandidateId))
	e.PutInt64(int64(m.LastLogIndex))
	e.PutInt64(int64(m.LastLogTerm))
	return e.Bytes()
}

func decodeRequestVote(body []byte) *RequestVote {
	d := protocol.NewDecoder(body)
	_ = d.GetInt16()
	return &RequestVote{
		Term:         uint64(d.GetInt64()),
		CandidateId:  NodeId(d.GetInt64()),
		LastLogIndex: uint64(d.GetInt64()),
		LastLogTerm:  uint64(d.GetInt64()),
	}
}

func encodeVoteResponse(m *VoteResponse) []byte {
	e := protocol.NewEncoder()
	e.PutInt16(int16(msgVoteResponse))
	e.PutInt64(int64(m.Term))
	e.PutInt64(int64(m.VoterId))
	if m.Granted {
		e.PutInt16(1)
	} else {
		e.PutInt16(0)
	}
	return e.Bytes()
}

func decodeVoteResponse(body []byte) *VoteResponse {
	d := protocol.NewDecoder(body)
	_ = d.GetInt16()
	return &VoteResponse{
		Term:    uint64(d.GetInt64()),
		VoterId: NodeId(d.GetInt64()),
		Granted: d.GetInt16() == 1,
	}
}
