package distribute

import (
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
)

// Selector chooses the storage nodes a distribution places fragments on.
// Selection happens once per distribution; every fragment is placed on
// each chosen node.
type Selector interface {
	Select(level int) ([]*models.StorageNode, error)
}

// TopReputation picks the highest-reputation eligible nodes, up to the
// requested redundancy level. Geographic or load-aware spread belongs in
// an alternative Selector implementation.
type TopReputation struct {
	Store storage.Storage

	// MinScore is the eligibility floor; zero means the reliability
	// threshold.
	MinScore float64
}

var _ Selector = (*TopReputation)(nil)

func (s *TopReputation) Select(level int) ([]*models.StorageNode, error) {
	min := s.MinScore
	if min <= 0 {
		min = reputation.ReliableScore
	}
	return s.Store.EligibleNodes(min, level)
}
