package protocol_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrshabel/gumraft/internal/protocol"
)

func TestRequestResponseHeaderRoundTrip(t *testing.T) {
	clientId := "gumraft-cli"
	e := protocol.NewEncoder()
	protocol.RequestHeader{ApiKey: protocol.APIProduce, ApiVersion: 2, CorrelationId: 42, ClientId: &clientId}.Encode(e)
	d := protocol.NewDecoder(e.Bytes())
	got := protocol.DecodeRequestHeader(d)
	require.Equal(t, protocol.APIProduce, got.ApiKey)
	require.Equal(t, int16(2), got.ApiVersion)
	require.Equal(t, int32(42), got.CorrelationId)
	require.Equal(t, clientId, *got.ClientId)

	e = protocol.NewEncoder()
	protocol.RequestHeader{ApiKey: protocol.APIFetch, ApiVersion: 0, CorrelationId: 7}.Encode(e)
	got = protocol.DecodeRequestHeader(protocol.NewDecoder(e.Bytes()))
	require.Nil(t, got.ClientId)

	e = protocol.NewEncoder()
	protocol.ResponseHeader{CorrelationId: 99}.Encode(e)
	require.Equal(t, int32(99), protocol.DecodeResponseHeader(protocol.NewDecoder(e.Bytes())).CorrelationId)
}

func TestProduceRequestResponseRoundTrip(t *testing.T) {
	req := protocol.ProduceRequest{
		Topic:     "orders",
		Partition: 3,
		Records: []protocol.RecordPair{
			{Key: []byte("k1"), Value: []byte("v1")},
			{Key: nil, Value: []byte("v2")},
		},
	}
	e := protocol.NewEncoder()
	req.Encode(e)
	got := protocol.DecodeProduceRequest(protocol.NewDecoder(e.Bytes()))
	require.Equal(t, req, got)

	resp := protocol.ProduceResponse{ErrorCode: 0, BaseOffset: 1024}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeProduceResponse(protocol.NewDecoder(e.Bytes())))
}

func TestFetchRequestResponseRoundTrip(t *testing.T) {
	req := protocol.FetchRequest{Topic: "orders", Partition: 1, Offset: 50, MaxBytes: 1 << 20}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeFetchRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.FetchResponse{
		ErrorCode: 0,
		Records:   []protocol.RecordPair{{Key: []byte("k"), Value: []byte("v")}},
	}
	e = protocol.NewEncoder()
	resp.Encode(e)
	got := protocol.DecodeFetchResponse(protocol.NewDecoder(e.Bytes()))
	require.Equal(t, resp, got)
	require.False(t, got.HaveHint)

	resp = protocol.FetchResponse{ErrorCode: 6, LeaderHint: 2, HaveHint: true}
	e = protocol.NewEncoder()
	resp.Encode(e)
	got = protocol.DecodeFetchResponse(protocol.NewDecoder(e.Bytes()))
	require.True(t, got.HaveHint)
	require.Equal(t, int32(2), got.LeaderHint)
}

func TestMetadataRequestResponseRoundTrip(t *testing.T) {
	req := protocol.MetadataRequest{Topics: []string{"orders", "users"}}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeMetadataRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.MetadataResponse{
		Brokers: []protocol.BrokerMetadata{{NodeId: 1, Host: "127.0.0.1", Port: 9001}},
		Topics: []protocol.TopicMetadata{
			{
				Name: "orders",
				Partitions: []protocol.PartitionMetadata{
					{Partition: 0, Leader: 1, Replicas: []int32{1, 2, 3}, Isr: []int32{1, 2}},
				},
			},
		},
	}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeMetadataResponse(protocol.NewDecoder(e.Bytes())))
}

func TestListOffsetsRequestResponseRoundTrip(t *testing.T) {
	req := protocol.ListOffsetsRequest{Topic: "orders", Partition: 2}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeListOffsetsRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.ListOffsetsResponse{ErrorCode: 0, Offset: 777}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeListOffsetsResponse(protocol.NewDecoder(e.Bytes())))
}

func TestLeaderAndIsrRequestResponseRoundTrip(t *testing.T) {
	req := protocol.LeaderAndIsrRequest{
		Topic: "orders", Partition: 0, Leader: 1,
		Replicas: []int32{1, 2, 3}, Isr: []int32{1, 2},
	}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeLeaderAndIsrRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.LeaderAndIsrResponse{ErrorCode: 0}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeLeaderAndIsrResponse(protocol.NewDecoder(e.Bytes())))
}

func TestStopReplicaRequestResponseRoundTrip(t *testing.T) {
	req := protocol.StopReplicaRequest{Topic: "orders", Partition: 0, Delete: true}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeStopReplicaRequest(protocol.NewDecoder(e.Bytes())))

	req2 := protocol.StopReplicaRequest{Topic: "orders", Partition: 1, Delete: false}
	e = protocol.NewEncoder()
	req2.Encode(e)
	require.Equal(t, req2, protocol.DecodeStopReplicaRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.StopReplicaResponse{ErrorCode: 3}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeStopReplicaResponse(protocol.NewDecoder(e.Bytes())))
}

func TestCreateTopicsRequestResponseRoundTrip(t *testing.T) {
	req := protocol.CreateTopicsRequest{Topics: []protocol.CreateTopicSpec{
		{Name: "orders", Partitions: 3, ReplicationFactor: 3},
		{Name: "users", Partitions: 1, ReplicationFactor: 1},
	}}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeCreateTopicsRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.CreateTopicsResponse{ErrorCodes: []int16{0, 36}}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeCreateTopicsResponse(protocol.NewDecoder(e.Bytes())))
}

func TestDeleteTopicsRequestResponseRoundTrip(t *testing.T) {
	req := protocol.DeleteTopicsRequest{Topics: []string{"orders", "users"}}
	e := protocol.NewEncoder()
	req.Encode(e)
	require.Equal(t, req, protocol.DecodeDeleteTopicsRequest(protocol.NewDecoder(e.Bytes())))

	resp := protocol.DeleteTopicsResponse{ErrorCodes: []int16{0}}
	e = protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeDeleteTopicsResponse(protocol.NewDecoder(e.Bytes())))
}

func TestApiVersionsResponseRoundTrip(t *testing.T) {
	resp := protocol.ApiVersionsResponse{ErrorCode: 0, Apis: protocol.SupportedApis}
	e := protocol.NewEncoder()
	resp.Encode(e)
	require.Equal(t, resp, protocol.DecodeApiVersionsResponse(protocol.NewDecoder(e.Bytes())))
}

func TestNegotiateVersion(t *testing.T) {
	require.Equal(t, int16(2), protocol.NegotiateVersion(protocol.APIProduce, 2))
	require.Equal(t, int16(1), protocol.NegotiateVersion(protocol.APIProduce, 1))
	require.Equal(t, int16(0), protocol.NegotiateVersion(protocol.APIProduce, 99))
	require.Equal(t, int16(0), protocol.NegotiateVersion(protocol.APIKey(-1), 0))
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	r, w := net.Pipe()
	defer r.Close()
	defer w.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- protocol.WriteFrame(w, body) }()

	got, err := protocol.ReadFrame(r)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, body, got)
}
