package discovery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/fsm"
	"github.com/mrshabel/gumraft/internal/raft"
)

// RaftHandler implements Handler by proposing RegisterBroker/RemoveBroker
// commands to the Controller FSM through the local Raft node whenever this
// node happens to be leader, the membership-triggered counterpart of the
// teacher's Replicator.Join/Leave (which instead pulled log data). Cluster
// membership here flows into the Controller's Brokers map rather than into
// a log replication target list.
type RaftHandler struct {
	// NodeID is this broker's raft.NodeId; used only for logging context.
	NodeID raft.NodeId
	Node   *raft.Node

	logger *zap.Logger
}

// NewRaftHandler returns a Handler that proposes broker membership changes
// to node. Every node observes serf Join/Leave events, but only a node
// whose Status() reports RoleLeader proposes; on any other node Join and
// Leave return nil without proposing, matching Raft's single-writer design
// rather than requiring callers to first discover who the leader is.
func NewRaftHandler(id raft.NodeId, node *raft.Node) *RaftHandler {
	return &RaftHandler{NodeID: id, Node: node, logger: zap.L().Named("raft-handler").With(zap.Uint64("node_id", uint64(id)))}
}

// Join proposes registering name (the joining serf member's node name,
// parsed as this cluster's broker id) at addr.
func (h *RaftHandler) Join(name, addr string) error {
	id, err := brokerID(name)
	if err != nil {
		h.logger.Warn("ignoring join from non-numeric node name", zap.String("name", name), zap.Error(err))
		return nil
	}
	return h.propose(fsm.Command{
		Type:           fsm.RegisterBrokerCommand,
		RegisterBroker: &fsm.RegisterBroker{BrokerID: id, Addr: addr},
	})
}

// Leave proposes removing name's broker id from the cluster.
func (h *RaftHandler) Leave(name string) error {
	id, err := brokerID(name)
	if err != nil {
		h.logger.Warn("ignoring leave from non-numeric node name", zap.String("name", name), zap.Error(err))
		return nil
	}
	return h.propose(fsm.Command{
		Type:         fsm.RemoveBrokerCommand,
		RemoveBroker: &fsm.RemoveBroker{BrokerID: id},
	})
}

func (h *RaftHandler) propose(cmd fsm.Command) error {
	if h.Node.Status().Role != raft.RoleLeader {
		// not an error: every node observes every membership event, only
		// the leader's proposal needs to land.
		return nil
	}
	payload, err := fsm.Encode(cmd)
	if err != nil {
		return err
	}
	result := <-h.Node.Propose(payload)
	return result.Err
}

func brokerID(name string) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(name, "%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
