// Package agent wires one broker process's components together: the
// local partitions' Raft node and its own dedicated `__raft_log`
// partition, the Broker Dispatcher, the serf membership that drives
// cluster-wide broker registration, and the background replicator that
// keeps follower replicas caught up.
package agent

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/discovery"
	"github.com/mrshabel/gumraft/internal/fsm"
	gumlog "github.com/mrshabel/gumraft/internal/log"
	"github.com/mrshabel/gumraft/internal/raft"
	"github.com/mrshabel/gumraft/internal/server"
)

// raftLogTopic names the dedicated topic-partition a node's own Raft log
// is stored under, kept alongside (but never exposed through) the
// client-facing data partitions the Dispatcher serves.
const raftLogTopic = "__raft_log"

// Agent sets up and manages every component one broker process runs.
type Agent struct {
	Config Config

	raftLog    *gumlog.PartitionLog
	stableDB   *bbolt.DB
	node       *raft.Node
	controller *fsm.Controller
	peerServer *raft.PeerServer
	peerLn     net.Listener

	dispatcher *server.Server
	dispatchLn net.Listener

	membership *discovery.Membership
	replicator *gumlog.Replicator

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

// Config contains everything needed to set up each component in the
// Agent. Most fields mirror internal/config.Config 1:1 (cmd/gumraft/main.go
// loads that YAML+env config and copies it straight across); the
// remaining fields are the serf-gossip identity a single process config
// file doesn't need to know about the rest of the cluster to resolve.
type Config struct {
	NodeId     uint64
	DataDir    string
	ListenAddr string // client-facing Dispatcher listen address
	PeerAddr   string // Raft inter-node RPC listen address
	Peers      map[uint64]string
	LogConfig  gumlog.Config

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	NodeName       string
	SerfBindAddr   string
	StartJoinAddrs []string

	// ReconcileInterval bounds how often the Agent re-reads the Controller
	// snapshot to start/stop replication tasks for partitions this broker
	// now holds a non-leader replica of. Defaults to 500ms.
	ReconcileInterval time.Duration
}

// raftPeers converts the uint64-keyed peer map internal/config uses into
// the raft.NodeId-keyed map internal/raft.Config requires; the two map
// types are not assignment-compatible even though NodeId's underlying
// type is uint64.
func raftPeers(peers map[uint64]string) map[raft.NodeId]string {
	out := make(map[raft.NodeId]string, len(peers))
	for id, addr := range peers {
		out[raft.NodeId(id)] = addr
	}
	return out
}

// New creates and starts an agent together with its components as defined
// in config. The returned agent is a running, functioning broker process.
func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLogger,
		a.setupRaft,
		a.setupDispatcher,
		a.setupReplicator,
		a.setupMembership,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	go a.reconcileReplication()
	return a, nil
}

func (a *Agent) setupLogger() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// setupRaft materializes this node's own Raft log as a dedicated
// partition (reusing the same segmented, fsync'd store the data plane
// uses, per internal/raft/log_store.go's resolution of spec §9's storage
// open question), opens its durable term/vote store, and starts the
// Controller FSM's Raft node plus its peer RPC listener.
func (a *Agent) setupRaft() error {
	raftLogDir := a.Config.DataDir + "/" + raftLogTopic
	if err := os.MkdirAll(raftLogDir, 0755); err != nil {
		return err
	}
	var err error
	a.raftLog, err = gumlog.NewLog(raftLogDir, a.Config.LogConfig)
	if err != nil {
		return err
	}

	a.stableDB, err = bbolt.Open(a.Config.DataDir+"/raft-stable.db", 0600, nil)
	if err != nil {
		return err
	}
	stable, err := raft.NewBoltStable(a.stableDB, "raft")
	if err != nil {
		return err
	}

	a.controller = fsm.New()
	logStore := raft.NewPartitionLogStore(a.raftLog)
	peers := raftPeers(a.Config.Peers)
	transport := raft.NewTCPTransport(peers)

	cfg := raft.DefaultConfig(raft.NodeId(a.Config.NodeId), peers)
	if a.Config.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = a.Config.HeartbeatInterval
	}
	if a.Config.ElectionTimeoutMin != 0 {
		cfg.ElectionTimeoutMin = a.Config.ElectionTimeoutMin
	}
	if a.Config.ElectionTimeoutMax != 0 {
		cfg.ElectionTimeoutMax = a.Config.ElectionTimeoutMax
	}

	a.node, err = raft.NewNode(cfg, logStore, a.controller, stable, transport)
	if err != nil {
		return err
	}

	a.peerLn, err = net.Listen("tcp", a.Config.PeerAddr)
	if err != nil {
		return err
	}
	a.peerServer = raft.NewPeerServer(a.node, a.peerLn)
	go func() {
		if err := a.peerServer.Serve(); err != nil {
			zap.L().Debug("raft peer server stopped", zap.Error(err))
		}
	}()

	a.node.Start()
	return nil
}

// setupDispatcher starts the Broker Dispatcher that serves client
// Produce/Fetch/Metadata/CreateTopics/DeleteTopics/ApiVersions traffic
// against this node's locally hosted partitions and the Controller.
func (a *Agent) setupDispatcher() error {
	a.dispatcher = server.New(server.Config{
		NodeId:     a.Config.NodeId,
		DataDir:    a.Config.DataDir,
		LogConfig:  a.Config.LogConfig,
		Node:       a.node,
		Controller: a.controller,
	})

	var err error
	a.dispatchLn, err = net.Listen("tcp", a.Config.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := a.dispatcher.Serve(a.dispatchLn); err != nil {
			zap.L().Debug("dispatcher stopped", zap.Error(err))
		}
	}()
	return nil
}

// setupReplicator wires a Replicator against the Dispatcher (which
// satisfies gumlog.PartitionWriter), so pulled records land directly in
// the same PartitionLogs client Fetch traffic reads from.
func (a *Agent) setupReplicator() error {
	a.replicator = &gumlog.Replicator{Local: a.dispatcher}
	return nil
}

// setupMembership joins the gossip cluster, wiring a RaftHandler so this
// node's Join/Leave events propose RegisterBroker/RemoveBroker to the
// Controller whenever this node happens to be the Raft leader.
func (a *Agent) setupMembership() error {
	handler := discovery.NewRaftHandler(raft.NodeId(a.Config.NodeId), a.node)
	var err error
	a.membership, err = discovery.New(handler, discovery.Config{
		NodeName: a.Config.NodeName,
		BindAddr: a.Config.SerfBindAddr,
		Tags: map[string]string{
			"rpc_addr": a.Config.ListenAddr,
		},
		StartJoinAddrs: a.Config.StartJoinAddrs,
	})
	return err
}

// reconcileReplication periodically compares the Controller's latest
// snapshot against this node's current replication tasks, starting a pull
// for every partition this broker now replicates but does not lead, and
// stopping any it no longer holds or has become leader of. It runs for
// the Agent's lifetime rather than only on membership/leadership change
// notifications, since internal/fsm.Controller has no change-subscription
// API (only Latest()).
func (a *Agent) reconcileReplication() {
	interval := a.Config.ReconcileInterval
	if interval == 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.shutdowns:
			return
		case <-ticker.C:
			a.reconcileOnce()
		}
	}
}

func (a *Agent) reconcileOnce() {
	snap := a.controller.Latest()
	self := a.Config.NodeId
	for topic, t := range snap.Topics {
		for idx, p := range t.Partitions {
			isReplica := false
			for _, id := range p.Replicas {
				if id == self {
					isReplica = true
					break
				}
			}
			if !isReplica || p.Leader == self || p.Leader == 0 {
				a.replicator.Stop(topic, idx)
				continue
			}
			leader, ok := snap.Brokers[p.Leader]
			if !ok {
				continue
			}
			a.replicator.Replicate(topic, idx, leader.Addr)
		}
	}
}

// RPCAddr returns this broker's client-facing listen address.
func (a *Agent) RPCAddr() string {
	return a.Config.ListenAddr
}

// Shutdown shuts down an agent and its components exactly once.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.membership.Leave,
		a.replicator.Close,
		a.dispatchLn.Close,
		a.dispatcher.Close,
		func() error { a.node.Stop(); return nil },
		a.peerLn.Close,
		a.raftLog.Close,
		a.stableDB.Close,
	}
	var first error
	for _, fn := range shutdown {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil && first == nil {
			first = fmt.Errorf("agent shutdown: %w", err)
		}
	}
	return first
}
