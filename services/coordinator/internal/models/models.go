package models

import "time"

// NodeStatus is a storage node's lifecycle state. Nodes are never hard
// deleted, only transitioned.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
)

// FragmentType distinguishes content-bearing fragments from parity.
type FragmentType string

const (
	FragmentData   FragmentType = "data"
	FragmentParity FragmentType = "parity"
)

// FragmentStatus tracks a fragment's storage progress. A verified fragment
// row is immutable.
type FragmentStatus string

const (
	FragmentPending  FragmentStatus = "pending"
	FragmentStored   FragmentStatus = "stored"
	FragmentVerified FragmentStatus = "verified"
)

// PlacementStatus tracks one fragment-to-node assignment.
type PlacementStatus string

const (
	PlacementPending  PlacementStatus = "pending"
	PlacementStored   PlacementStatus = "stored"
	PlacementVerified PlacementStatus = "verified"
	PlacementFailed   PlacementStatus = "failed"
)

// FileStatus tracks a file through distribution.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileBackingUp FileStatus = "backing_up"
	FileBackedUp  FileStatus = "backed_up"
)

// TransferType labels a PeerConnection record.
type TransferType string

const (
	TransferStore    TransferType = "chunk_store"
	TransferRetrieve TransferType = "chunk_retrieve"
	TransferVerify   TransferType = "chunk_verify"
)

// TransferOutcome is the result of one transfer.
type TransferOutcome string

const (
	OutcomeSuccess TransferOutcome = "success"
	OutcomeFailure TransferOutcome = "failure"
	OutcomeTimeout TransferOutcome = "timeout"
)

// StorageNode is a registered peer storage node.
type StorageNode struct {
	ID                  string     `json:"id"`
	AccountID           string     `json:"account_id"`
	StorageCapacity     int64      `json:"storage_capacity"`
	StorageAvailable    int64      `json:"storage_available"`
	Status              NodeStatus `json:"status"`
	Geolocation         string     `json:"geolocation,omitempty"`
	ReputationScore     float64    `json:"reputation_score"`
	UptimePercentage    float64    `json:"uptime_percentage"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms"`
	SuccessfulTransfers int64      `json:"successful_transfers"`
	FailedTransfers     int64      `json:"failed_transfers"`
	AvgBandwidthKBps    float64    `json:"avg_bandwidth_kbps"`
	LastSeen            time.Time  `json:"last_seen"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// File is the record a distribution runs against. The key is persisted only
// in wrapped form.
type File struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Name             string     `json:"name,omitempty"`
	Size             int64      `json:"size"`
	Status           FileStatus `json:"status"`
	ReliabilityLevel int        `json:"reliability_level"`
	DataCount        int        `json:"data_count"`
	ParityCount      int        `json:"parity_count"`
	FragmentSize     int64      `json:"fragment_size"`
	WrappedKey       []byte     `json:"-"`
	MerkleRoot       string     `json:"merkle_root,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FileFragment is one encrypted fragment of a file. Hash covers the
// ciphertext, not the plaintext.
type FileFragment struct {
	ID            string         `json:"id"`
	FileID        string         `json:"file_id"`
	AccountID     string         `json:"account_id"`
	FragmentIndex int            `json:"fragment_index"`
	FragmentType  FragmentType   `json:"fragment_type"`
	Hash          string         `json:"hash"`
	Size          int64          `json:"size"`
	IV            []byte         `json:"iv"`
	AuthTag       []byte         `json:"auth_tag"`
	Status        FragmentStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Placement assigns one fragment to one node. (FragmentID, NodeID) is
// unique; a fragment carries at most its redundancy level of placements.
type Placement struct {
	ID              string          `json:"id"`
	FragmentID      string          `json:"fragment_id"`
	NodeID          string          `json:"node_id"`
	Status          PlacementStatus `json:"status"`
	RedundancyLevel int             `json:"redundancy_level"`
	StorageLocation string          `json:"storage_location,omitempty"`
	LastVerified    time.Time       `json:"last_verified,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PeerConnection is an append-only record of one relayed transfer.
type PeerConnection struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id"`
	TargetID      string          `json:"target_id"`
	TransferType  TransferType    `json:"transfer_type"`
	BytesSent     int64           `json:"bytes_sent"`
	BytesReceived int64           `json:"bytes_received"`
	Outcome       TransferOutcome `json:"outcome"`
	LatencyMs     float64         `json:"latency_ms"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
}

// ReputationScore is the persisted mirror of a node's engine state, written
// asynchronously so SQL filters see current scores.
type ReputationScore struct {
	NodeID         string    `json:"node_id"`
	Uptime         float64   `json:"uptime"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	TotalStored    int64     `json:"total_stored"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	Score          float64   `json:"score"`
	Tier           string    `json:"tier"`
	UpdatedAt      time.Time `json:"updated_at"`
}
