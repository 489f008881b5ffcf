package storage

import (
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
)

// Storage defines the persistence contract for the coordinator. Both
// backends keep the same semantics: reads of missing rows report (nil,
// false), writes against missing rows return an error.
type Storage interface {
	// Node operations
	CreateNode(node *models.StorageNode) error
	GetNode(nodeID string) (*models.StorageNode, bool)
	UpdateNodeStatus(nodeID string, status models.NodeStatus) error
	TouchNode(nodeID string) error
	SetNodeCapacity(nodeID string, available int64) error
	RecordNodeTransfer(nodeID string, success bool, latencyMs float64, bytes int64) error
	// EligibleNodes lists online nodes at or above minScore, best first,
	// for placement selection.
	EligibleNodes(minScore float64, limit int) ([]*models.StorageNode, error)
	// DiscoverableNodes additionally requires free capacity; it backs
	// peer_discovery responses.
	DiscoverableNodes(minScore float64, limit int) ([]*models.StorageNode, error)
	TopNodes(limit int) ([]*models.StorageNode, error)

	// File operations
	UpsertFile(file *models.File) error
	GetFile(fileID string) (*models.File, bool)
	UpdateFileStatus(fileID string, status models.FileStatus) error

	// Fragment operations
	CreateFragments(fragments []*models.FileFragment) error
	FragmentsByFile(fileID string) ([]*models.FileFragment, error)
	GetFragment(fragmentID string) (*models.FileFragment, bool)
	UpdateFragmentStatus(fragmentID string, status models.FragmentStatus) error

	// Placement operations. ReservePlacements decrements node capacity and
	// records placements as one atomic batch: a placement is dropped when
	// its node lacks capacity, already holds the fragment, or the fragment
	// is at its redundancy level. Returns the placements actually recorded.
	ReservePlacements(placements []*models.Placement, fragmentBytes map[string]int64) ([]*models.Placement, error)
	PlacementsByFragment(fragmentID string) ([]*models.Placement, error)
	PendingPlacements(limit int) ([]*models.Placement, error)
	GetPlacement(placementID string) (*models.Placement, bool)
	UpdatePlacementStatus(placementID string, status models.PlacementStatus) error
	// BestSourceNode picks the highest-reputation online node holding a
	// stored or verified copy of the fragment.
	BestSourceNode(fragmentID string) (string, bool)

	// Transfer log
	RecordPeerConnection(rec *models.PeerConnection) error

	// Reputation mirror
	SaveReputation(score *models.ReputationScore) error
	GetReputation(nodeID string) (*models.ReputationScore, bool)

	// Stats
	Stats() (nodesOnline, nodesTotal, filesTotal int)

	Close() error
}

// Ensure implementations satisfy the interface
var _ Storage = (*MemoryStorage)(nil)
var _ Storage = (*PostgresStorage)(nil)
