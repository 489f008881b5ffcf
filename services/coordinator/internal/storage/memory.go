package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
)

// MemoryStorage is an in-memory implementation of Storage, used for tests
// and single-binary development runs.
type MemoryStorage struct {
	mu          sync.RWMutex
	nodes       map[string]*models.StorageNode
	files       map[string]*models.File
	fragments   map[string]*models.FileFragment
	placements  map[string]*models.Placement
	reputations map[string]*models.ReputationScore
	transfers   []*models.PeerConnection
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes:       make(map[string]*models.StorageNode),
		files:       make(map[string]*models.File),
		fragments:   make(map[string]*models.FileFragment),
		placements:  make(map[string]*models.Placement),
		reputations: make(map[string]*models.ReputationScore),
	}
}

// === Node Operations ===

// CreateNode registers a new storage node with fresh-node defaults.
func (s *MemoryStorage) CreateNode(node *models.StorageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}

	n := *node
	now := time.Now()
	if n.Status == "" {
		n.Status = models.NodeOffline
	}
	if n.ReputationScore == 0 {
		n.ReputationScore = 100
	}
	if n.UptimePercentage == 0 {
		n.UptimePercentage = 100
	}
	if n.AvgResponseTimeMs == 0 {
		n.AvgResponseTimeMs = 500
	}
	if n.StorageAvailable == 0 {
		n.StorageAvailable = n.StorageCapacity
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	n.LastSeen = now
	s.nodes[n.ID] = &n
	return nil
}

// GetNode retrieves a node by ID.
func (s *MemoryStorage) GetNode(nodeID string) (*models.StorageNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return nil, false
	}
	n := *node
	return &n, true
}

// UpdateNodeStatus transitions a node's status. Going online refreshes
// last-seen.
func (s *MemoryStorage) UpdateNodeStatus(nodeID string, status models.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}
	node.Status = status
	node.UpdatedAt = time.Now()
	if status == models.NodeOnline {
		node.LastSeen = node.UpdatedAt
	}
	return nil
}

// TouchNode refreshes a node's last-seen timestamp.
func (s *MemoryStorage) TouchNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}
	node.LastSeen = time.Now()
	return nil
}

// SetNodeCapacity records the node's self-reported available capacity,
// clamped to [0, capacity].
func (s *MemoryStorage) SetNodeCapacity(nodeID string, available int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}
	if available < 0 {
		available = 0
	}
	if available > node.StorageCapacity {
		available = node.StorageCapacity
	}
	node.StorageAvailable = available
	node.UpdatedAt = time.Now()
	return nil
}

// RecordNodeTransfer updates the node's performance snapshot from one
// observed transfer.
func (s *MemoryStorage) RecordNodeTransfer(nodeID string, success bool, latencyMs float64, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}
	if success {
		node.SuccessfulTransfers++
	} else {
		node.FailedTransfers++
	}
	if latencyMs > 0 {
		node.AvgResponseTimeMs = 0.9*node.AvgResponseTimeMs + 0.1*latencyMs
		if bytes > 0 {
			kbps := float64(bytes) / latencyMs * 1000 / 1024
			if node.AvgBandwidthKBps == 0 {
				node.AvgBandwidthKBps = kbps
			} else {
				node.AvgBandwidthKBps = 0.9*node.AvgBandwidthKBps + 0.1*kbps
			}
		}
	}
	node.UpdatedAt = time.Now()
	return nil
}

// EligibleNodes lists online nodes at or above minScore, best first.
func (s *MemoryStorage) EligibleNodes(minScore float64, limit int) ([]*models.StorageNode, error) {
	return s.selectNodes(limit, func(n *models.StorageNode) bool {
		return n.Status == models.NodeOnline && n.ReputationScore >= minScore
	})
}

// DiscoverableNodes lists online nodes with free capacity at or above
// minScore, best first.
func (s *MemoryStorage) DiscoverableNodes(minScore float64, limit int) ([]*models.StorageNode, error) {
	return s.selectNodes(limit, func(n *models.StorageNode) bool {
		return n.Status == models.NodeOnline && n.StorageAvailable > 0 && n.ReputationScore >= minScore
	})
}

// TopNodes lists all nodes by descending reputation.
func (s *MemoryStorage) TopNodes(limit int) ([]*models.StorageNode, error) {
	return s.selectNodes(limit, func(n *models.StorageNode) bool { return true })
}

func (s *MemoryStorage) selectNodes(limit int, keep func(*models.StorageNode) bool) ([]*models.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.StorageNode
	for _, node := range s.nodes {
		if keep(node) {
			n := *node
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReputationScore != out[j].ReputationScore {
			return out[i].ReputationScore > out[j].ReputationScore
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// === File Operations ===

// UpsertFile creates or updates a file record, preserving CreatedAt.
func (s *MemoryStorage) UpsertFile(file *models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := *file
	now := time.Now()
	if existing, ok := s.files[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.files[f.ID] = &f
	return nil
}

// GetFile retrieves a file by ID.
func (s *MemoryStorage) GetFile(fileID string) (*models.File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, exists := s.files[fileID]
	if !exists {
		return nil, false
	}
	f := *file
	return &f, true
}

// UpdateFileStatus moves a file through its distribution lifecycle.
func (s *MemoryStorage) UpdateFileStatus(fileID string, status models.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[fileID]
	if !exists {
		return fmt.Errorf("file %s not found", fileID)
	}
	file.Status = status
	file.UpdatedAt = time.Now()
	return nil
}

// === Fragment Operations ===

// CreateFragments persists a distribution's fragment batch.
func (s *MemoryStorage) CreateFragments(fragments []*models.FileFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, frag := range fragments {
		if _, exists := s.fragments[frag.ID]; exists {
			return fmt.Errorf("fragment %s already exists", frag.ID)
		}
	}
	for _, frag := range fragments {
		f := *frag
		if f.Status == "" {
			f.Status = models.FragmentPending
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		s.fragments[f.ID] = &f
	}
	return nil
}

// FragmentsByFile returns a file's fragments ordered by index.
func (s *MemoryStorage) FragmentsByFile(fileID string) ([]*models.FileFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FileFragment
	for _, frag := range s.fragments {
		if frag.FileID == fileID {
			f := *frag
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FragmentIndex < out[j].FragmentIndex })
	return out, nil
}

// GetFragment retrieves a fragment by ID.
func (s *MemoryStorage) GetFragment(fragmentID string) (*models.FileFragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frag, exists := s.fragments[fragmentID]
	if !exists {
		return nil, false
	}
	f := *frag
	return &f, true
}

// UpdateFragmentStatus advances a fragment's status. Verified fragments
// are immutable.
func (s *MemoryStorage) UpdateFragmentStatus(fragmentID string, status models.FragmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frag, exists := s.fragments[fragmentID]
	if !exists {
		return fmt.Errorf("fragment %s not found", fragmentID)
	}
	if frag.Status == models.FragmentVerified && status != models.FragmentVerified {
		return fmt.Errorf("fragment %s is verified and immutable", fragmentID)
	}
	frag.Status = status
	return nil
}

// === Placement Operations ===

// ReservePlacements atomically decrements node capacity and records the
// placement batch. Placements on offline, full, or duplicate targets are
// dropped, as are placements that would push a fragment past its
// redundancy level.
func (s *MemoryStorage) ReservePlacements(placements []*models.Placement, fragmentBytes map[string]int64) ([]*models.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	countFor := make(map[string]int)
	taken := make(map[string]bool)
	for _, p := range s.placements {
		countFor[p.FragmentID]++
		taken[p.FragmentID+"/"+p.NodeID] = true
	}

	now := time.Now()
	var accepted []*models.Placement
	for _, p := range placements {
		node, ok := s.nodes[p.NodeID]
		if !ok || node.Status != models.NodeOnline {
			continue
		}
		size := fragmentBytes[p.FragmentID]
		if node.StorageAvailable < size {
			continue
		}
		if taken[p.FragmentID+"/"+p.NodeID] {
			continue
		}
		if countFor[p.FragmentID] >= p.RedundancyLevel {
			continue
		}

		node.StorageAvailable -= size
		node.UpdatedAt = now

		stored := *p
		if stored.Status == "" {
			stored.Status = models.PlacementPending
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.placements[stored.ID] = &stored
		countFor[stored.FragmentID]++
		taken[stored.FragmentID+"/"+stored.NodeID] = true

		out := stored
		accepted = append(accepted, &out)
	}
	return accepted, nil
}

// PlacementsByFragment returns all placements of a fragment.
func (s *MemoryStorage) PlacementsByFragment(fragmentID string) ([]*models.Placement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Placement
	for _, p := range s.placements {
		if p.FragmentID == fragmentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PendingPlacements returns placements still awaiting a push, oldest first.
func (s *MemoryStorage) PendingPlacements(limit int) ([]*models.Placement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Placement
	for _, p := range s.placements {
		if p.Status == models.PlacementPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// GetPlacement retrieves a placement by ID.
func (s *MemoryStorage) GetPlacement(placementID string) (*models.Placement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.placements[placementID]
	if !exists {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// UpdatePlacementStatus advances a placement; reaching verified stamps
// last-verified.
func (s *MemoryStorage) UpdatePlacementStatus(placementID string, status models.PlacementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.placements[placementID]
	if !exists {
		return fmt.Errorf("placement %s not found", placementID)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	if status == models.PlacementVerified {
		p.LastVerified = p.UpdatedAt
	}
	return nil
}

// BestSourceNode picks the highest-reputation online node holding the
// fragment.
func (s *MemoryStorage) BestSourceNode(fragmentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bestID := ""
	bestScore := -1.0
	for _, p := range s.placements {
		if p.FragmentID != fragmentID {
			continue
		}
		if p.Status != models.PlacementStored && p.Status != models.PlacementVerified {
			continue
		}
		node, ok := s.nodes[p.NodeID]
		if !ok || node.Status != models.NodeOnline {
			continue
		}
		if node.ReputationScore > bestScore || (node.ReputationScore == bestScore && node.ID < bestID) {
			bestID = node.ID
			bestScore = node.ReputationScore
		}
	}
	return bestID, bestID != ""
}

// === Transfer Log ===

// RecordPeerConnection appends one transfer record.
func (s *MemoryStorage) RecordPeerConnection(rec *models.PeerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.transfers = append(s.transfers, &cp)
	return nil
}

// === Reputation Mirror ===

// SaveReputation upserts the persisted score and mirrors the composite
// onto the node row so SQL eligibility filters see it.
func (s *MemoryStorage) SaveReputation(score *models.ReputationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *score
	s.reputations[cp.NodeID] = &cp

	if node, ok := s.nodes[cp.NodeID]; ok {
		node.ReputationScore = cp.Score
		node.UptimePercentage = cp.Uptime
		node.AvgResponseTimeMs = cp.ResponseTimeMs
		node.UpdatedAt = time.Now()
	}
	return nil
}

// GetReputation retrieves the persisted score for a node.
func (s *MemoryStorage) GetReputation(nodeID string) (*models.ReputationScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	score, exists := s.reputations[nodeID]
	if !exists {
		return nil, false
	}
	cp := *score
	return &cp, true
}

// === Stats ===

// Stats reports node and file counts for health endpoints.
func (s *MemoryStorage) Stats() (nodesOnline, nodesTotal, filesTotal int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, node := range s.nodes {
		if node.Status == models.NodeOnline {
			nodesOnline++
		}
	}
	return nodesOnline, len(s.nodes), len(s.files)
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStorage) Close() error { return nil }
