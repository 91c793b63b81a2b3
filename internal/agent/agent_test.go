package agent_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/mrshabel/gumraft/internal/agent"
	"github.com/mrshabel/gumraft/internal/protocol"
)

// TestAgentClusterReplicatesProducedRecords stands up a 3-node cluster of
// Agents communicating over the framed wire protocol (no grpc/TLS,
// dropped per DESIGN.md), creates a replicated topic, produces a record
// through whichever node is Raft leader, and confirms it eventually shows
// up on a follower's local replica too.
func TestAgentClusterReplicatesProducedRecords(t *testing.T) {
	const n = 3

	bindAddrs := make([]string, n)
	rpcAddrs := make([]string, n)
	peerAddrs := make([]string, n)
	peers := map[uint64]string{}
	for i := 0; i < n; i++ {
		ports := dynaport.Get(3)
		bindAddrs[i] = "127.0.0.1:" + itoa(ports[0])
		rpcAddrs[i] = "127.0.0.1:" + itoa(ports[1])
		peerAddrs[i] = "127.0.0.1:" + itoa(ports[2])
		peers[uint64(i+1)] = peerAddrs[i]
	}

	var agents []*agent.Agent
	for i := 0; i < n; i++ {
		dataDir, err := os.MkdirTemp("", "agent-test-log")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dataDir) })

		var startJoinAddrs []string
		if i != 0 {
			startJoinAddrs = append(startJoinAddrs, bindAddrs[0])
		}

		a, err := agent.New(agent.Config{
			NodeId:         uint64(i + 1),
			NodeName:       itoa(i + 1),
			DataDir:        dataDir,
			ListenAddr:     rpcAddrs[i],
			PeerAddr:       peerAddrs[i],
			SerfBindAddr:   bindAddrs[i],
			StartJoinAddrs: startJoinAddrs,
			Peers:          peers,
		})
		require.NoError(t, err)
		agents = append(agents, a)
	}

	t.Cleanup(func() {
		for _, a := range agents {
			require.NoError(t, a.Shutdown())
		}
	})

	time.Sleep(3 * time.Second)

	var leader *agent.Agent
	require.Eventually(t, func() bool {
		for _, a := range agents {
			resp := createTopics(t, a.RPCAddr(), "orders", 1, n)
			if resp.ErrorCodes[0] == 0 {
				leader = a
				return true
			}
		}
		return false
	}, 10*time.Second, 200*time.Millisecond)

	produceResp := produce(t, leader.RPCAddr(), "orders", []byte("k1"), []byte("v1"))
	require.Equal(t, int16(0), produceResp.ErrorCode)

	fetchResp := fetch(t, leader.RPCAddr(), "orders", produceResp.BaseOffset)
	require.Equal(t, int16(0), fetchResp.ErrorCode)
	require.Len(t, fetchResp.Records, 1)
	require.Equal(t, []byte("v1"), fetchResp.Records[0].Value)

	var follower *agent.Agent
	for _, a := range agents {
		if a != leader {
			follower = a
			break
		}
	}

	require.Eventually(t, func() bool {
		resp := fetch(t, follower.RPCAddr(), "orders", produceResp.BaseOffset)
		return resp.ErrorCode == 0 && len(resp.Records) == 1
	}, 10*time.Second, 200*time.Millisecond)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func roundTrip(t *testing.T, addr string, apiKey protocol.APIKey, encode func(e *protocol.Encoder)) *protocol.Decoder {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	e := protocol.NewEncoder()
	protocol.RequestHeader{ApiKey: apiKey, ApiVersion: 0}.Encode(e)
	encode(e)
	require.NoError(t, protocol.WriteFrame(conn, e.Bytes()))

	body, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	d := protocol.NewDecoder(body)
	protocol.DecodeResponseHeader(d)
	return d
}

func createTopics(t *testing.T, addr, name string, partitions, rf int32) protocol.CreateTopicsResponse {
	d := roundTrip(t, addr, protocol.APICreateTopics, func(e *protocol.Encoder) {
		protocol.CreateTopicsRequest{Topics: []protocol.CreateTopicSpec{
			{Name: name, Partitions: partitions, ReplicationFactor: rf},
		}}.Encode(e)
	})
	return protocol.DecodeCreateTopicsResponse(d)
}

func produce(t *testing.T, addr, topic string, key, value []byte) protocol.ProduceResponse {
	d := roundTrip(t, addr, protocol.APIProduce, func(e *protocol.Encoder) {
		protocol.ProduceRequest{Topic: topic, Partition: 0, Records: []protocol.RecordPair{{Key: key, Value: value}}}.Encode(e)
	})
	return protocol.DecodeProduceResponse(d)
}

func fetch(t *testing.T, addr, topic string, offset int64) protocol.FetchResponse {
	d := roundTrip(t, addr, protocol.APIFetch, func(e *protocol.Encoder) {
		protocol.FetchRequest{Topic: topic, Partition: 0, Offset: offset, MaxBytes: 1 << 20}.Encode(e)
	})
	return protocol.DecodeFetchResponse(d)
}
