package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFrameType is returned for frames outside the closed type set.
var ErrUnknownFrameType = errors.New("unknown frame type")

// CoordinatorPeerID is the well-known peer ID of the coordinator itself,
// attached as the sender on transfers it originates. Node agents address
// their replies to it.
const CoordinatorPeerID = "coordinator"

// FrameType identifies a tunnel frame. The set is closed: frames with an
// unknown type are rejected at parse time rather than silently dropped.
type FrameType string

const (
	FrameAuth            FrameType = "auth"
	FrameAuthSuccess     FrameType = "auth_success"
	FrameAuthError       FrameType = "auth_error"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameHeartbeatAck    FrameType = "heartbeat_ack"
	FramePeerDiscovery   FrameType = "peer_discovery"
	FrameDiscoveryResult FrameType = "peer_discovery_result"
	FrameChunkRequest    FrameType = "chunk_request"
	FrameChunkResponse   FrameType = "chunk_response"
	FrameNodeMetrics     FrameType = "node_metrics"
	FrameError           FrameType = "error"

	// Older agents report capacity under this name; it is normalized to
	// FrameNodeMetrics on receipt.
	FrameStatusUpdate FrameType = "status_update"
)

var knownFrameTypes = map[FrameType]bool{
	FrameAuth:            true,
	FrameAuthSuccess:     true,
	FrameAuthError:       true,
	FrameHeartbeat:       true,
	FrameHeartbeatAck:    true,
	FramePeerDiscovery:   true,
	FrameDiscoveryResult: true,
	FrameChunkRequest:    true,
	FrameChunkResponse:   true,
	FrameNodeMetrics:     true,
	FrameError:           true,
	FrameStatusUpdate:    true,
}

// Known reports whether t is part of the frame set.
func (t FrameType) Known() bool { return knownFrameTypes[t] }

// Normalize maps legacy aliases onto their canonical type.
func (t FrameType) Normalize() FrameType {
	if t == FrameStatusUpdate {
		return FrameNodeMetrics
	}
	return t
}

// Frame is the envelope for every message crossing the tunnel.
type Frame struct {
	Type      FrameType       `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame builds a frame with the payload marshaled and the timestamp set.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	f := &Frame{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// ParseFrame decodes raw bytes into a frame, rejecting unknown types.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("frame type %q: %w", f.Type, ErrUnknownFrameType)
	}
	f.Type = f.Type.Normalize()
	return &f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// ChunkAction names the operation carried by a chunk_request frame.
type ChunkAction string

const (
	ChunkStore    ChunkAction = "store"
	ChunkRetrieve ChunkAction = "retrieve"
	ChunkVerify   ChunkAction = "verify"
)

// AuthRequest is the payload of an auth frame.
type AuthRequest struct {
	AccountID string `json:"account_id"`
	NodeID    string `json:"node_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

// AuthSuccess is returned after a successful authentication.
type AuthSuccess struct {
	PeerID            string `json:"peer_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_secs"`
}

// AuthError is returned when authentication fails.
type AuthError struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is sent by agents to signal liveness.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}

// DiscoveryRequest asks for storage nodes able to accept fragments.
type DiscoveryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// NodeSummary is the public view of a storage node. Network addresses and
// account identifiers are never included.
type NodeSummary struct {
	NodeID           string  `json:"node_id"`
	ReputationScore  float64 `json:"reputation_score"`
	StorageAvailable int64   `json:"storage_available"`
	Status           string  `json:"status"`
}

// DiscoveryResult carries the nodes matching a discovery request.
type DiscoveryResult struct {
	Nodes []NodeSummary `json:"nodes"`
}

// ChunkRequestPayload asks a node to store, return, or verify a fragment.
type ChunkRequestPayload struct {
	Action     ChunkAction `json:"action"`
	FragmentID string      `json:"fragment_id"`
	FileID     string      `json:"file_id,omitempty"`
	Index      int         `json:"index"`
	Hash       string      `json:"hash,omitempty"`
	Size       int64       `json:"size,omitempty"`
	Data       []byte      `json:"data,omitempty"`
}

// ChunkResponsePayload answers a chunk request.
type ChunkResponsePayload struct {
	Action     ChunkAction `json:"action"`
	FragmentID string      `json:"fragment_id"`
	Success    bool        `json:"success"`
	Data       []byte      `json:"data,omitempty"`
	Hash       string      `json:"hash,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// NodeMetricsPayload reports a node's current capacity snapshot.
type NodeMetricsPayload struct {
	StorageAvailable int64 `json:"storage_available"`
	FragmentsStored  int   `json:"fragments_stored"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by error frames.
const (
	CodeTargetUnavailable = 2001
	CodeUnauthenticated   = 2002
	CodeInvalidFrame      = 2003
	CodeHashMismatch      = 2004
	CodeStorageFull       = 2005
	CodeTimeout           = 2006
	CodeNotFound          = 2007
)
