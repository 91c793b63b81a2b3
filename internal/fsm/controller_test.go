package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndDeleteTopic(t *testing.T) {
	c := New()

	payload, err := Encode(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "orders", Partitions: 3, ReplicationFactor: 1}})
	require.NoError(t, err)
	require.Nil(t, c.Apply(payload))

	snap := c.Latest()
	require.Contains(t, snap.Topics, "orders")
	require.Len(t, snap.Topics["orders"].Partitions, 3)
	require.Equal(t, 1, snap.Topics["orders"].ReplicationFactor)

	payload, err = Encode(Command{Type: DeleteTopicCommand, DeleteTopic: &DeleteTopic{Name: "orders"}})
	require.NoError(t, err)
	require.Nil(t, c.Apply(payload))

	snap = c.Latest()
	require.NotContains(t, snap.Topics, "orders")
}

func TestCreateTopicRejectsDuplicate(t *testing.T) {
	c := New()
	payload, _ := Encode(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "orders", Partitions: 1}})
	require.Nil(t, c.Apply(payload))
	require.NotNil(t, c.Apply(payload))
}

func TestRegisterAndRemoveBrokerClearsLeadership(t *testing.T) {
	c := New()
	apply := func(cmd Command) {
		payload, err := Encode(cmd)
		require.NoError(t, err)
		c.Apply(payload)
	}

	apply(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "t", Partitions: 1}})
	apply(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 1, Addr: "127.0.0.1:9001"}})
	apply(Command{Type: ElectPartitionLeaderCommand, ElectPartitionLeader: &ElectPartitionLeader{Topic: "t", Partition: 0, LeaderID: 1}})
	apply(Command{Type: UpdateIsrCommand, UpdateIsr: &UpdateIsr{Topic: "t", Partition: 0, Isr: []uint64{1}}})

	snap := c.Latest()
	require.Equal(t, uint64(1), snap.Topics["t"].Partitions[0].Leader)
	require.Equal(t, []uint64{1}, snap.Topics["t"].Partitions[0].Isr)

	apply(Command{Type: RemoveBrokerCommand, RemoveBroker: &RemoveBroker{BrokerID: 1}})

	snap = c.Latest()
	require.NotContains(t, snap.Brokers, uint64(1))
	require.Equal(t, uint64(0), snap.Topics["t"].Partitions[0].Leader)
	require.Empty(t, snap.Topics["t"].Partitions[0].Isr)
}

// TestSnapshotRestoreRoundTrip covers determinism: replaying a snapshot
// into a fresh Controller reproduces the exact same published state.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := New()
	apply := func(cmd Command) {
		payload, err := Encode(cmd)
		require.NoError(t, err)
		c.Apply(payload)
	}
	apply(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "a", Partitions: 2}})
	apply(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 7, Addr: "host:1"}})
	apply(Command{Type: ElectPartitionLeaderCommand, ElectPartitionLeader: &ElectPartitionLeader{Topic: "a", Partition: 1, LeaderID: 7}})

	data, err := c.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(data))

	require.Equal(t, c.Latest(), restored.Latest())
}

// TestCreateTopicAssignsReplicasRoundRobin covers spec §3's "for each
// partition an assignment {leader, replicas, isr}": once enough brokers
// are registered, CreateTopic must populate Replicas without waiting for
// a separate assignment step.
func TestCreateTopicAssignsReplicasRoundRobin(t *testing.T) {
	c := New()
	apply := func(cmd Command) []byte {
		payload, err := Encode(cmd)
		require.NoError(t, err)
		return c.Apply(payload)
	}

	apply(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 1, Addr: "host1:9001"}})
	apply(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 2, Addr: "host2:9001"}})
	apply(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 3, Addr: "host3:9001"}})

	require.Nil(t, apply(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "u", Partitions: 2, ReplicationFactor: 2}}))

	snap := c.Latest()
	topic := snap.Topics["u"]
	require.Equal(t, 2, topic.ReplicationFactor)
	require.Len(t, topic.Partitions[0].Replicas, 2)
	require.Len(t, topic.Partitions[1].Replicas, 2)
	// round-robin: partition 1 starts one broker further along than partition 0
	require.NotEqual(t, topic.Partitions[0].Replicas, topic.Partitions[1].Replicas)
	// the first assigned replica starts as leader and fully in sync
	require.Equal(t, topic.Partitions[0].Replicas[0], topic.Partitions[0].Leader)
	require.Equal(t, topic.Partitions[0].Replicas, topic.Partitions[0].Isr)
}

// TestCreateTopicWithoutEnoughBrokersLeavesPartialReplicas covers the case
// where replication factor exceeds the registered broker count: Replicas
// is filled with whatever brokers exist rather than erroring, since a
// cluster's brokers may register after its topics are created.
func TestCreateTopicWithoutEnoughBrokersLeavesPartialReplicas(t *testing.T) {
	c := New()
	payload, err := Encode(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "u", Partitions: 1, ReplicationFactor: 3}})
	require.NoError(t, err)
	require.Nil(t, c.Apply(payload))

	snap := c.Latest()
	require.Empty(t, snap.Topics["u"].Partitions[0].Replicas)
}

// TestSnapshotDoesNotAliasLiveState ensures publish() deep-copies, so a
// caller mutating a Snapshot's slices/maps can never corrupt Controller
// state read by a later Apply.
func TestSnapshotDoesNotAliasLiveState(t *testing.T) {
	c := New()
	payload, _ := Encode(Command{Type: CreateTopicCommand, CreateTopic: &CreateTopic{Name: "t", Partitions: 1}})
	c.Apply(payload)

	snap := c.Latest()
	p := snap.Topics["t"].Partitions[0]
	p.Isr = append(p.Isr, 99)
	snap.Topics["t"].Partitions[0] = p

	// a later Apply republishes from the Controller's own state
	payload, _ = Encode(Command{Type: RegisterBrokerCommand, RegisterBroker: &RegisterBroker{BrokerID: 1, Addr: "h:1"}})
	c.Apply(payload)

	fresh := c.Latest()
	require.Empty(t, fresh.Topics["t"].Partitions[0].Isr)
}
