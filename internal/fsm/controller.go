// Package fsm implements the cluster Controller: the finite state machine
// that every broker's Raft node applies committed commands to, tracking
// topics, brokers and partition leadership. It is driven exclusively by
// internal/raft.Node.Apply and read by the Broker Dispatcher through
// published, immutable snapshots (spec "Controller snapshot handoff").
package fsm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// CommandType identifies which metadata mutation a Command carries, the
// same one-byte-prefix dispatch shape as the teacher's distributed log fsm
// (internal/log/distributed.go's RequestType), generalized from "append a
// record" to the six metadata commands below.
type CommandType uint8

const (
	CreateTopicCommand CommandType = iota
	DeleteTopicCommand
	RegisterBrokerCommand
	RemoveBrokerCommand
	UpdateIsrCommand
	ElectPartitionLeaderCommand
)

// CreateTopic creates a topic with the given partition count and
// replication factor (spec §3 "Topic": "name, partition count,
// replication factor, and for each partition an assignment
// {leader, replicas, isr}").
type CreateTopic struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// DeleteTopic removes a topic and all its partition metadata.
type DeleteTopic struct {
	Name string
}

// RegisterBroker adds (or updates the address of) a broker.
type RegisterBroker struct {
	BrokerID uint64
	Addr     string
}

// RemoveBroker drops a broker from the cluster and clears it from any
// partition's ISR/leader it was a member of.
type RemoveBroker struct {
	BrokerID uint64
}

// UpdateIsr replaces the in-sync-replica set for one partition.
type UpdateIsr struct {
	Topic     string
	Partition int
	Isr       []uint64
}

// ElectPartitionLeader assigns a new leader broker for one partition.
type ElectPartitionLeader struct {
	Topic     string
	Partition int
	LeaderID  uint64
}

// Command is the envelope gob-encoded into every Raft log entry's payload.
// Exactly one of the typed fields is set, selected by Type.
type Command struct {
	Type                 CommandType
	CreateTopic          *CreateTopic
	DeleteTopic          *DeleteTopic
	RegisterBroker       *RegisterBroker
	RemoveBroker         *RemoveBroker
	UpdateIsr            *UpdateIsr
	ElectPartitionLeader *ElectPartitionLeader
}

// Encode gob-encodes a Command for use as a Raft Propose payload.
// SPEC_FULL drops protobuf/grpc (see DESIGN.md), so the teacher's
// protobuf-marshaled fsm payload becomes stdlib gob here.
func Encode(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) (Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// PartitionMeta is the leader/replica-set/ISR assignment tracked for one
// partition (spec §3 "Topic").
type PartitionMeta struct {
	Leader   uint64
	Replicas []uint64
	Isr      []uint64
}

// TopicMeta is the metadata tracked for one topic.
type TopicMeta struct {
	Name              string
	ReplicationFactor int
	Partitions        map[int]PartitionMeta
}

// BrokerMeta is the metadata tracked for one cluster member.
type BrokerMeta struct {
	ID   uint64
	Addr string
}

// Snapshot is an immutable, fully-copied view of cluster metadata, safe to
// hand to any number of reader goroutines without synchronization (spec
// "Controller snapshot handoff": publish-by-value after every apply batch).
type Snapshot struct {
	Topics  map[string]TopicMeta
	Brokers map[uint64]BrokerMeta
}

// Controller is the Raft-applied cluster metadata state machine. It
// satisfies internal/raft.FSM.
type Controller struct {
	logger *zap.Logger

	// current is mutated only from Apply, which the owning Node guarantees
	// is called from its single serialization point (internal/raft §5).
	current Snapshot

	// published is swapped, never mutated in place, so Latest() never
	// races with an in-flight Apply (spec's snapshot-handoff pattern).
	published atomic.Pointer[Snapshot]
}

// New returns an empty Controller with no topics or brokers.
func New() *Controller {
	c := &Controller{
		logger: zap.L().Named("controller"),
		current: Snapshot{
			Topics:  make(map[string]TopicMeta),
			Brokers: make(map[uint64]BrokerMeta),
		},
	}
	c.publish()
	return c
}

// Latest returns the most recently published snapshot. Safe to call from
// any goroutine (the Dispatcher's request-handling goroutines, in
// particular, never touch the Raft task to read metadata).
func (c *Controller) Latest() *Snapshot {
	return c.published.Load()
}

// publish deep-copies current into a fresh Snapshot and swaps it in.
func (c *Controller) publish() {
	topics := make(map[string]TopicMeta, len(c.current.Topics))
	for name, t := range c.current.Topics {
		parts := make(map[int]PartitionMeta, len(t.Partitions))
		for idx, p := range t.Partitions {
			parts[idx] = PartitionMeta{
				Leader:   p.Leader,
				Replicas: append([]uint64(nil), p.Replicas...),
				Isr:      append([]uint64(nil), p.Isr...),
			}
		}
		topics[name] = TopicMeta{Name: t.Name, ReplicationFactor: t.ReplicationFactor, Partitions: parts}
	}
	brokers := make(map[uint64]BrokerMeta, len(c.current.Brokers))
	for id, b := range c.current.Brokers {
		brokers[id] = b
	}
	c.published.Store(&Snapshot{Topics: topics, Brokers: brokers})
}

// Apply decodes and applies one committed command, returning nil on
// success or a plain-text rejection message (e.g. "topic already exists")
// that a Propose caller can inspect. Errors are encoded as plain bytes
// rather than returned, since internal/raft.FSM.Apply has no error return.
func (c *Controller) Apply(payload []byte) []byte {
	cmd, err := decode(payload)
	if err != nil {
		c.logger.Error("decode controller command", zap.Error(err))
		return nil
	}
	switch cmd.Type {
	case CreateTopicCommand:
		return c.applyCreateTopic(cmd.CreateTopic)
	case DeleteTopicCommand:
		return c.applyDeleteTopic(cmd.DeleteTopic)
	case RegisterBrokerCommand:
		return c.applyRegisterBroker(cmd.RegisterBroker)
	case RemoveBrokerCommand:
		return c.applyRemoveBroker(cmd.RemoveBroker)
	case UpdateIsrCommand:
		return c.applyUpdateIsr(cmd.UpdateIsr)
	case ElectPartitionLeaderCommand:
		return c.applyElectPartitionLeader(cmd.ElectPartitionLeader)
	default:
		c.logger.Warn("unknown controller command", zap.Uint8("type", uint8(cmd.Type)))
		return nil
	}
}

func (c *Controller) applyCreateTopic(req *CreateTopic) []byte {
	if _, exists := c.current.Topics[req.Name]; exists {
		c.publish()
		return []byte("topic already exists")
	}
	brokerIDs := make([]uint64, 0, len(c.current.Brokers))
	for id := range c.current.Brokers {
		brokerIDs = append(brokerIDs, id)
	}
	sort.Slice(brokerIDs, func(i, j int) bool { return brokerIDs[i] < brokerIDs[j] })

	rf := req.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	parts := make(map[int]PartitionMeta, req.Partitions)
	for i := 0; i < req.Partitions; i++ {
		replicas := assignReplicas(brokerIDs, i, rf)
		p := PartitionMeta{Replicas: replicas}
		if len(replicas) > 0 {
			// the first assigned replica starts as leader, and is
			// trivially in sync with itself; ElectPartitionLeader/
			// UpdateIsr supersede this as the cluster evolves.
			p.Leader = replicas[0]
			p.Isr = append([]uint64(nil), replicas...)
		}
		parts[i] = p
	}
	c.current.Topics[req.Name] = TopicMeta{Name: req.Name, ReplicationFactor: rf, Partitions: parts}
	c.publish()
	return nil
}

// assignReplicas picks rf brokers for partition index i by round-robining
// the sorted broker list starting at i, the same fixed assignment strategy
// used for Kafka's default partition assigner. Returns fewer than rf
// entries (or none) when the cluster has not yet registered enough
// brokers; no later command adds to a partition's Replicas
// (ElectPartitionLeader and UpdateIsr change only Leader and Isr).
func assignReplicas(brokerIDs []uint64, partition, rf int) []uint64 {
	if len(brokerIDs) == 0 {
		return nil
	}
	if rf > len(brokerIDs) {
		rf = len(brokerIDs)
	}
	replicas := make([]uint64, rf)
	for i := 0; i < rf; i++ {
		replicas[i] = brokerIDs[(partition+i)%len(brokerIDs)]
	}
	return replicas
}

func (c *Controller) applyDeleteTopic(req *DeleteTopic) []byte {
	delete(c.current.Topics, req.Name)
	c.publish()
	return nil
}

func (c *Controller) applyRegisterBroker(req *RegisterBroker) []byte {
	c.current.Brokers[req.BrokerID] = BrokerMeta{ID: req.BrokerID, Addr: req.Addr}
	c.publish()
	return nil
}

func (c *Controller) applyRemoveBroker(req *RemoveBroker) []byte {
	delete(c.current.Brokers, req.BrokerID)
	for name, t := range c.current.Topics {
		for idx, p := range t.Partitions {
			p.Isr = removeID(p.Isr, req.BrokerID)
			p.Replicas = removeID(p.Replicas, req.BrokerID)
			if p.Leader == req.BrokerID {
				p.Leader = 0
			}
			t.Partitions[idx] = p
		}
		c.current.Topics[name] = t
	}
	c.publish()
	return nil
}

func (c *Controller) applyUpdateIsr(req *UpdateIsr) []byte {
	t, ok := c.current.Topics[req.Topic]
	if !ok {
		c.publish()
		return []byte(fmt.Sprintf("unknown topic %q", req.Topic))
	}
	p := t.Partitions[req.Partition]
	p.Isr = append([]uint64(nil), req.Isr...)
	t.Partitions[req.Partition] = p
	c.publish()
	return nil
}

func (c *Controller) applyElectPartitionLeader(req *ElectPartitionLeader) []byte {
	t, ok := c.current.Topics[req.Topic]
	if !ok {
		c.publish()
		return []byte(fmt.Sprintf("unknown topic %q", req.Topic))
	}
	p := t.Partitions[req.Partition]
	p.Leader = req.LeaderID
	t.Partitions[req.Partition] = p
	c.publish()
	return nil
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns the full metadata state gob-encoded, for the Raft log's
// own compaction (spec §4.4 "snapshot"/"restore").
func (c *Controller) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.current); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces all metadata state from a prior Snapshot's output.
func (c *Controller) Restore(data []byte) error {
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}
	if snap.Topics == nil {
		snap.Topics = make(map[string]TopicMeta)
	}
	if snap.Brokers == nil {
		snap.Brokers = make(map[uint64]BrokerMeta)
	}
	c.current = snap
	c.publish()
	return nil
}
