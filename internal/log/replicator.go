// this file contains the implementation of a replication component that keeps a partition's local replica caught up with its current leader by pulling over the framed wire protocol
package log

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrshabel/gumraft/internal/protocol"
)

// PartitionWriter is the narrow local-write surface a Replicator needs:
// land pulled records in a partition's log and report how many it already
// holds, so a restart resumes from the right offset. Satisfied by
// internal/server.Server without an import cycle back into this package.
type PartitionWriter interface {
	AppendRecords(topic string, partition int, records []protocol.RecordPair) error
	PartitionEndOffset(topic string, partition int) (int64, error)
}

// Replicator keeps this broker's replica of one or more partitions caught
// up with their leaders. Unlike the teacher's grpc ConsumeStream (a single
// server-streaming RPC per joined peer), internal/protocol has no
// streaming RPC, so each partition is kept in sync by a poll loop issuing
// repeated Fetch requests starting from the local end offset.
type Replicator struct {
	// Dial opens a connection to a peer broker; defaults to net.DialTimeout.
	Dial func(addr string, timeout time.Duration) (net.Conn, error)
	// Local is where pulled records land.
	Local PartitionWriter
	// PollInterval bounds how often an idle partition is re-polled;
	// defaults to 200ms.
	PollInterval time.Duration

	logger *zap.Logger
	mu     sync.Mutex
	tasks  map[string]chan struct{} // keyed by partitionKey(topic, partition)
	closed bool
	close  chan struct{}
}

func (r *Replicator) init() {
	if r.logger == nil {
		r.logger = zap.L().Named("replicator")
	}
	if r.tasks == nil {
		r.tasks = make(map[string]chan struct{})
	}
	if r.close == nil {
		r.close = make(chan struct{})
	}
	if r.Dial == nil {
		r.Dial = func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}
	if r.PollInterval == 0 {
		r.PollInterval = 200 * time.Millisecond
	}
}

// Replicate starts pulling topic-partition from leaderAddr until Stop is
// called for the same topic-partition or the Replicator is closed. Calling
// it again for a topic-partition already being replicated is a no-op: the
// caller (the agent, reacting to Controller snapshot changes) re-resolves
// the leader address on every reassignment and should Stop first if it
// changed.
func (r *Replicator) Replicate(topic string, partition int, leaderAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if r.closed {
		return
	}
	key := partitionKey(topic, partition)
	if _, ok := r.tasks[key]; ok {
		return
	}
	stop := make(chan struct{})
	r.tasks[key] = stop
	go r.pullLoop(topic, partition, leaderAddr, stop)
}

// Stop halts replication of one partition, e.g. once this broker is
// elected its leader or dropped from its replica set.
func (r *Replicator) Stop(topic string, partition int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	key := partitionKey(topic, partition)
	stop, ok := r.tasks[key]
	if !ok {
		return
	}
	delete(r.tasks, key)
	close(stop)
}

func (r *Replicator) pullLoop(topic string, partition int, leaderAddr string, stop chan struct{}) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.close:
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := r.pullOnce(topic, partition, leaderAddr); err != nil {
				r.logger.Warn("replication pull failed",
					zap.String("topic", topic), zap.Int("partition", partition),
					zap.String("leader", leaderAddr), zap.Error(err))
			}
		}
	}
}

// pullOnce issues one Fetch request for everything past the local end
// offset and appends whatever comes back.
func (r *Replicator) pullOnce(topic string, partition int, leaderAddr string) error {
	offset, err := r.Local.PartitionEndOffset(topic, partition)
	if err != nil {
		return err
	}

	conn, err := r.Dial(leaderAddr, 500*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))

	e := protocol.NewEncoder()
	protocol.RequestHeader{ApiKey: protocol.APIFetch, ApiVersion: 0}.Encode(e)
	protocol.FetchRequest{
		Topic: topic, Partition: int32(partition), Offset: offset, MaxBytes: 1 << 20,
	}.Encode(e)
	if err := protocol.WriteFrame(conn, e.Bytes()); err != nil {
		return err
	}

	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	d := protocol.NewDecoder(body)
	protocol.DecodeResponseHeader(d)
	resp := protocol.DecodeFetchResponse(d)
	if resp.ErrorCode != 0 || len(resp.Records) == 0 {
		return nil
	}
	return r.Local.AppendRecords(topic, partition, resp.Records)
}

// Close stops every in-flight replication task.
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.close)
	return nil
}

func partitionKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}
