package protocol

// APIKey identifies a request type (spec §4.5 "Version negotiation": the
// ApiVersions response enumerates every supported API key).
type APIKey int16

const (
	APIProduce          APIKey = 0
	APIFetch            APIKey = 1
	APIListOffsets      APIKey = 2
	APIMetadata         APIKey = 3
	APILeaderAndIsr     APIKey = 4
	APIStopReplica      APIKey = 5
	APIFindCoordinator  APIKey = 10
	APIJoinGroup        APIKey = 11
	APIHeartbeat        APIKey = 12
	APILeaveGroup       APIKey = 13
	APISyncGroup        APIKey = 14
	APIDescribeGroups   APIKey = 15
	APIListGroups       APIKey = 16
	APICreateTopics     APIKey = 19
	APIDeleteTopics     APIKey = 20
	APIDeleteGroups     APIKey = 42
	APIApiVersions      APIKey = 18
)

// ApiRange is the inclusive [min, max] version this broker implements for
// one API key (spec §4.5).
type ApiRange struct {
	Key     APIKey
	MinVers int16
	MaxVers int16
}

// SupportedApis enumerates every API key this broker understands, even
// those only stubbed (spec §4.5: "the supported set covers at minimum...").
// Consumer-group coordination (FindCoordinator..DeleteGroups) is
// out-of-scope client machinery (spec §1 non-goals), so those are
// advertised at version 0 and answered with an InvalidRequest error code
// rather than fully implemented — see the default case of the
// dispatcher's dispatch.
var SupportedApis = []ApiRange{
	{APIProduce, 0, 2},
	{APIFetch, 0, 2},
	{APIListOffsets, 0, 1},
	{APIMetadata, 0, 1},
	{APILeaderAndIsr, 0, 0},
	{APIStopReplica, 0, 0},
	{APIFindCoordinator, 0, 0},
	{APIJoinGroup, 0, 0},
	{APIHeartbeat, 0, 0},
	{APILeaveGroup, 0, 0},
	{APISyncGroup, 0, 0},
	{APIDescribeGroups, 0, 0},
	{APIListGroups, 0, 0},
	{APICreateTopics, 0, 1},
	{APIDeleteTopics, 0, 0},
	{APIDeleteGroups, 0, 0},
	{APIApiVersions, 0, 2},
}

// RequestHeader precedes every versioned request body (spec §4.5 "Framing").
type RequestHeader struct {
	ApiKey        APIKey
	ApiVersion    int16
	CorrelationId int32
	ClientId      *string
}

// ResponseHeader precedes every versioned response body.
type ResponseHeader struct {
	CorrelationId int32
}

func (h RequestHeader) Encode(e *Encoder) {
	e.PutInt16(int16(h.ApiKey))
	e.PutInt16(h.ApiVersion)
	e.PutInt32(h.CorrelationId)
	e.PutNullableString(h.ClientId)
}

func DecodeRequestHeader(d *Decoder) RequestHeader {
	return RequestHeader{
		ApiKey:        APIKey(d.GetInt16()),
		ApiVersion:    d.GetInt16(),
		CorrelationId: d.GetInt32(),
		ClientId:      d.GetNullableString(),
	}
}

func (h ResponseHeader) Encode(e *Encoder) {
	e.PutInt32(h.CorrelationId)
}

// DecodeResponseHeader is used by clients of this wire protocol (e.g.
// internal/log.Replicator's inter-broker Fetch pulls) to parse the header
// a peer's Dispatcher wrote ahead of the response body.
func DecodeResponseHeader(d *Decoder) ResponseHeader {
	return ResponseHeader{CorrelationId: d.GetInt32()}
}

// RecordPair is one key/value pair as carried in Produce/Fetch bodies.
type RecordPair struct {
	Key   []byte
	Value []byte
}

// ProduceRequest appends records to one topic-partition.
type ProduceRequest struct {
	Topic     string
	Partition int32
	Records   []RecordPair
}

func (r ProduceRequest) Encode(e *Encoder) {
	e.PutString(r.Topic)
	e.PutInt32(r.Partition)
	e.PutCompactArrayLen(len(r.Records))
	for _, rec := range r.Records {
		e.PutBytes(rec.Key)
		e.PutBytes(rec.Value)
	}
}

func DecodeProduceRequest(d *Decoder) ProduceRequest {
	r := ProduceRequest{Topic: d.GetString(), Partition: d.GetInt32()}
	n := d.GetCompactArrayLen()
	for i := 0; i < n; i++ {
		r.Records = append(r.Records, RecordPair{Key: d.GetBytes(), Value: d.GetBytes()})
	}
	return r
}

// ProduceResponse reports the base offset assigned, or an error code.
type ProduceResponse struct {
	ErrorCode  int16
	BaseOffset int64
}

func (r ProduceResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
	e.PutInt64(r.BaseOffset)
}

func DecodeProduceResponse(d *Decoder) ProduceResponse {
	return ProduceResponse{ErrorCode: d.GetInt16(), BaseOffset: d.GetInt64()}
}

// FetchRequest reads records starting at Offset, up to MaxBytes.
type FetchRequest struct {
	Topic     string
	Partition int32
	Offset    int64
	MaxBytes  int32
}

func (r FetchRequest) Encode(e *Encoder) {
	e.PutString(r.Topic)
	e.PutInt32(r.Partition)
	e.PutInt64(r.Offset)
	e.PutInt32(r.MaxBytes)
}

func DecodeFetchRequest(d *Decoder) FetchRequest {
	return FetchRequest{
		Topic:     d.GetString(),
		Partition: d.GetInt32(),
		Offset:    d.GetInt64(),
		MaxBytes:  d.GetInt32(),
	}
}

// FetchResponse carries the records read, or NotLeaderForPartition context.
type FetchResponse struct {
	ErrorCode    int16
	LeaderHint   int32
	HaveHint     bool
	Records      []RecordPair
}

func (r FetchResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
	if r.HaveHint {
		e.PutInt32(r.LeaderHint)
	} else {
		e.PutInt32(-1)
	}
	e.PutCompactArrayLen(len(r.Records))
	for _, rec := range r.Records {
		e.PutBytes(rec.Key)
		e.PutBytes(rec.Value)
	}
}

func DecodeFetchResponse(d *Decoder) FetchResponse {
	r := FetchResponse{ErrorCode: d.GetInt16()}
	hint := d.GetInt32()
	if hint >= 0 {
		r.LeaderHint, r.HaveHint = hint, true
	}
	n := d.GetCompactArrayLen()
	for i := 0; i < n; i++ {
		r.Records = append(r.Records, RecordPair{Key: d.GetBytes(), Value: d.GetBytes()})
	}
	return r
}

// MetadataRequest lists the topics of interest; empty means all topics.
type MetadataRequest struct {
	Topics []string
}

func (r MetadataRequest) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t)
	}
}

func DecodeMetadataRequest(d *Decoder) MetadataRequest {
	n := d.GetCompactArrayLen()
	r := MetadataRequest{}
	for i := 0; i < n; i++ {
		r.Topics = append(r.Topics, d.GetString())
	}
	return r
}

// BrokerMetadata describes one cluster member.
type BrokerMetadata struct {
	NodeId int32
	Host   string
	Port   int32
}

// PartitionMetadata describes one partition's current leadership/ISR.
type PartitionMetadata struct {
	Partition int32
	Leader    int32
	Replicas  []int32
	Isr       []int32
}

// TopicMetadata describes one topic's partitions.
type TopicMetadata struct {
	Name       string
	Partitions []PartitionMetadata
}

// MetadataResponse is served from the Controller's published snapshot
// without a consensus round-trip (spec §4.5 "Dispatch rules").
type MetadataResponse struct {
	Brokers []BrokerMetadata
	Topics  []TopicMetadata
}

func (r MetadataResponse) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.Brokers))
	for _, b := range r.Brokers {
		e.PutInt32(b.NodeId)
		e.PutString(b.Host)
		e.PutInt32(b.Port)
	}
	e.PutCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t.Name)
		e.PutCompactArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			e.PutInt32(p.Partition)
			e.PutInt32(p.Leader)
			e.PutCompactArrayLen(len(p.Replicas))
			for _, r := range p.Replicas {
				e.PutInt32(r)
			}
			e.PutCompactArrayLen(len(p.Isr))
			for _, r := range p.Isr {
				e.PutInt32(r)
			}
		}
	}
}

func DecodeMetadataResponse(d *Decoder) MetadataResponse {
	var resp MetadataResponse
	nb := d.GetCompactArrayLen()
	for i := 0; i < nb; i++ {
		resp.Brokers = append(resp.Brokers, BrokerMetadata{
			NodeId: d.GetInt32(), Host: d.GetString(), Port: d.GetInt32(),
		})
	}
	nt := d.GetCompactArrayLen()
	for i := 0; i < nt; i++ {
		t := TopicMetadata{Name: d.GetString()}
		np := d.GetCompactArrayLen()
		for j := 0; j < np; j++ {
			p := PartitionMetadata{Partition: d.GetInt32(), Leader: d.GetInt32()}
			nr := d.GetCompactArrayLen()
			for k := 0; k < nr; k++ {
				p.Replicas = append(p.Replicas, d.GetInt32())
			}
			ni := d.GetCompactArrayLen()
			for k := 0; k < ni; k++ {
				p.Isr = append(p.Isr, d.GetInt32())
			}
			t.Partitions = append(t.Partitions, p)
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp
}

// ListOffsetsRequest asks for the partition's current log end offset
// (spec §4.5 "ListOffsets"; only the "latest" semantics are implemented,
// there being no timestamp-indexed lookup in spec.md).
type ListOffsetsRequest struct {
	Topic     string
	Partition int32
}

func (r ListOffsetsRequest) Encode(e *Encoder) {
	e.PutString(r.Topic)
	e.PutInt32(r.Partition)
}

func DecodeListOffsetsRequest(d *Decoder) ListOffsetsRequest {
	return ListOffsetsRequest{Topic: d.GetString(), Partition: d.GetInt32()}
}

// ListOffsetsResponse carries the log end offset, or an error code.
type ListOffsetsResponse struct {
	ErrorCode int16
	Offset    int64
}

func (r ListOffsetsResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
	e.PutInt64(r.Offset)
}

func DecodeListOffsetsResponse(d *Decoder) ListOffsetsResponse {
	return ListOffsetsResponse{ErrorCode: d.GetInt16(), Offset: d.GetInt64()}
}

// LeaderAndIsrRequest informs a broker of a partition's current leader and
// replica/ISR set, as pushed by a controller in the original Kafka
// protocol. This broker derives the same information from its own
// Controller FSM snapshot instead, so the handler only acknowledges —
// kept so the API is enumerable via ApiVersions and a well-behaved
// control-plane client speaking this key does not break.
type LeaderAndIsrRequest struct {
	Topic     string
	Partition int32
	Leader    int32
	Replicas  []int32
	Isr       []int32
}

func (r LeaderAndIsrRequest) Encode(e *Encoder) {
	e.PutString(r.Topic)
	e.PutInt32(r.Partition)
	e.PutInt32(r.Leader)
	e.PutCompactArrayLen(len(r.Replicas))
	for _, id := range r.Replicas {
		e.PutInt32(id)
	}
	e.PutCompactArrayLen(len(r.Isr))
	for _, id := range r.Isr {
		e.PutInt32(id)
	}
}

func DecodeLeaderAndIsrRequest(d *Decoder) LeaderAndIsrRequest {
	r := LeaderAndIsrRequest{Topic: d.GetString(), Partition: d.GetInt32(), Leader: d.GetInt32()}
	nr := d.GetCompactArrayLen()
	for i := 0; i < nr; i++ {
		r.Replicas = append(r.Replicas, d.GetInt32())
	}
	ni := d.GetCompactArrayLen()
	for i := 0; i < ni; i++ {
		r.Isr = append(r.Isr, d.GetInt32())
	}
	return r
}

type LeaderAndIsrResponse struct {
	ErrorCode int16
}

func (r LeaderAndIsrResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
}

func DecodeLeaderAndIsrResponse(d *Decoder) LeaderAndIsrResponse {
	return LeaderAndIsrResponse{ErrorCode: d.GetInt16()}
}

// StopReplicaRequest tells a broker to stop (and optionally delete) its
// local replica of a partition, e.g. after a DeleteTopics or a
// reassignment away from this broker.
type StopReplicaRequest struct {
	Topic     string
	Partition int32
	Delete    bool
}

func (r StopReplicaRequest) Encode(e *Encoder) {
	e.PutString(r.Topic)
	e.PutInt32(r.Partition)
	if r.Delete {
		e.PutInt16(1)
	} else {
		e.PutInt16(0)
	}
}

func DecodeStopReplicaRequest(d *Decoder) StopReplicaRequest {
	return StopReplicaRequest{Topic: d.GetString(), Partition: d.GetInt32(), Delete: d.GetInt16() == 1}
}

type StopReplicaResponse struct {
	ErrorCode int16
}

func (r StopReplicaResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
}

func DecodeStopReplicaResponse(d *Decoder) StopReplicaResponse {
	return StopReplicaResponse{ErrorCode: d.GetInt16()}
}

// CreateTopicsRequest proposes new topics to the Controller (spec §4.5
// "Mutations... serialized to an entry payload and proposed to the Raft
// Node").
type CreateTopicsRequest struct {
	Topics []CreateTopicSpec
}

type CreateTopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int32
}

func (r CreateTopicsRequest) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t.Name)
		e.PutInt32(t.Partitions)
		e.PutInt32(t.ReplicationFactor)
	}
}

func DecodeCreateTopicsRequest(d *Decoder) CreateTopicsRequest {
	n := d.GetCompactArrayLen()
	r := CreateTopicsRequest{}
	for i := 0; i < n; i++ {
		r.Topics = append(r.Topics, CreateTopicSpec{
			Name: d.GetString(), Partitions: d.GetInt32(), ReplicationFactor: d.GetInt32(),
		})
	}
	return r
}

// CreateTopicsResponse reports one error code per requested topic, in
// request order.
type CreateTopicsResponse struct {
	ErrorCodes []int16
}

func (r CreateTopicsResponse) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.ErrorCodes))
	for _, c := range r.ErrorCodes {
		e.PutInt16(c)
	}
}

func DecodeCreateTopicsResponse(d *Decoder) CreateTopicsResponse {
	n := d.GetCompactArrayLen()
	r := CreateTopicsResponse{}
	for i := 0; i < n; i++ {
		r.ErrorCodes = append(r.ErrorCodes, d.GetInt16())
	}
	return r
}

// DeleteTopicsRequest proposes topic removal to the Controller.
type DeleteTopicsRequest struct {
	Topics []string
}

func (r DeleteTopicsRequest) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t)
	}
}

func DecodeDeleteTopicsRequest(d *Decoder) DeleteTopicsRequest {
	n := d.GetCompactArrayLen()
	r := DeleteTopicsRequest{}
	for i := 0; i < n; i++ {
		r.Topics = append(r.Topics, d.GetString())
	}
	return r
}

type DeleteTopicsResponse struct {
	ErrorCodes []int16
}

func (r DeleteTopicsResponse) Encode(e *Encoder) {
	e.PutCompactArrayLen(len(r.ErrorCodes))
	for _, c := range r.ErrorCodes {
		e.PutInt16(c)
	}
}

func DecodeDeleteTopicsResponse(d *Decoder) DeleteTopicsResponse {
	n := d.GetCompactArrayLen()
	r := DeleteTopicsResponse{}
	for i := 0; i < n; i++ {
		r.ErrorCodes = append(r.ErrorCodes, d.GetInt16())
	}
	return r
}

// ApiVersionsResponse enumerates supported [min,max] per API key (spec
// §4.5, §8 scenario 5 "Version downgrade").
type ApiVersionsResponse struct {
	ErrorCode int16
	Apis      []ApiRange
}

func (r ApiVersionsResponse) Encode(e *Encoder) {
	e.PutInt16(r.ErrorCode)
	e.PutCompactArrayLen(len(r.Apis))
	for _, a := range r.Apis {
		e.PutInt16(int16(a.Key))
		e.PutInt16(a.MinVers)
		e.PutInt16(a.MaxVers)
	}
}

func DecodeApiVersionsResponse(d *Decoder) ApiVersionsResponse {
	r := ApiVersionsResponse{ErrorCode: d.GetInt16()}
	n := d.GetCompactArrayLen()
	for i := 0; i < n; i++ {
		r.Apis = append(r.Apis, ApiRange{Key: APIKey(d.GetInt16()), MinVers: d.GetInt16(), MaxVers: d.GetInt16()})
	}
	return r
}

// NegotiateVersion picks the highest mutually supported version for key,
// or version 0 (the safe baseline) if the client's requested version
// exceeds this broker's max (spec §8 scenario 5).
func NegotiateVersion(key APIKey, clientMax int16) int16 {
	for _, a := range SupportedApis {
		if a.Key == key {
			if clientMax <= a.MaxVers {
				return clientMax
			}
			return 0
		}
	}
	return 0
}
