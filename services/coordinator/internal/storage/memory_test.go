package storage

import (
	"testing"
	"time"

	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
)

func addOnlineNode(t *testing.T, s *MemoryStorage, id string, capacity int64, score float64) {
	t.Helper()
	node := &models.StorageNode{
		ID:              id,
		AccountID:       "acct-" + id,
		StorageCapacity: capacity,
	}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	if err := s.UpdateNodeStatus(id, models.NodeOnline); err != nil {
		t.Fatalf("UpdateNodeStatus failed: %v", err)
	}
	if score != 100 {
		if err := s.SaveReputation(&models.ReputationScore{NodeID: id, Score: score, Uptime: score, ResponseTimeMs: 500}); err != nil {
			t.Fatalf("SaveReputation failed: %v", err)
		}
	}
}

func TestCreateAndGetNode(t *testing.T) {
	s := NewMemoryStorage()

	node := &models.StorageNode{
		ID:              "node-1",
		AccountID:       "acct-1",
		StorageCapacity: 1 << 30,
		Geolocation:     "eu-west",
	}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}

	got, exists := s.GetNode("node-1")
	if !exists {
		t.Fatal("Node not found")
	}
	if got.Status != models.NodeOffline {
		t.Errorf("Expected fresh node offline, got %s", got.Status)
	}
	if got.ReputationScore != 100 {
		t.Errorf("Expected default reputation 100, got %.1f", got.ReputationScore)
	}
	if got.StorageAvailable != 1<<30 {
		t.Errorf("Expected available to equal capacity, got %d", got.StorageAvailable)
	}
	if got.AvgResponseTimeMs != 500 {
		t.Errorf("Expected default response time 500, got %.1f", got.AvgResponseTimeMs)
	}
}

func TestCreateNodeDuplicate(t *testing.T) {
	s := NewMemoryStorage()

	node := &models.StorageNode{ID: "node-1", AccountID: "acct-1", StorageCapacity: 100}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	if err := s.CreateNode(node); err == nil {
		t.Error("Expected error on duplicate node ID")
	}
}

func TestNodeStatusTransitions(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 100, 100)

	before, _ := s.GetNode("node-1")

	time.Sleep(2 * time.Millisecond)
	if err := s.UpdateNodeStatus("node-1", models.NodeOffline); err != nil {
		t.Fatalf("UpdateNodeStatus failed: %v", err)
	}
	offline, _ := s.GetNode("node-1")
	if offline.Status != models.NodeOffline {
		t.Errorf("Expected offline, got %s", offline.Status)
	}
	if offline.LastSeen.After(before.LastSeen) {
		t.Error("Going offline should not refresh last-seen")
	}

	time.Sleep(2 * time.Millisecond)
	if err := s.UpdateNodeStatus("node-1", models.NodeOnline); err != nil {
		t.Fatalf("UpdateNodeStatus failed: %v", err)
	}
	online, _ := s.GetNode("node-1")
	if !online.LastSeen.After(before.LastSeen) {
		t.Error("Going online should refresh last-seen")
	}

	if err := s.UpdateNodeStatus("missing", models.NodeOnline); err == nil {
		t.Error("Expected error for unknown node")
	}
}

func TestSetNodeCapacityClamps(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	if err := s.SetNodeCapacity("node-1", 5000); err != nil {
		t.Fatalf("SetNodeCapacity failed: %v", err)
	}
	got, _ := s.GetNode("node-1")
	if got.StorageAvailable != 1000 {
		t.Errorf("Expected clamp to capacity 1000, got %d", got.StorageAvailable)
	}

	if err := s.SetNodeCapacity("node-1", -50); err != nil {
		t.Fatalf("SetNodeCapacity failed: %v", err)
	}
	got, _ = s.GetNode("node-1")
	if got.StorageAvailable != 0 {
		t.Errorf("Expected clamp to zero, got %d", got.StorageAvailable)
	}
}

func TestRecordNodeTransfer(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	if err := s.RecordNodeTransfer("node-1", true, 300, 1024); err != nil {
		t.Fatalf("RecordNodeTransfer failed: %v", err)
	}
	if err := s.RecordNodeTransfer("node-1", false, 0, 0); err != nil {
		t.Fatalf("RecordNodeTransfer failed: %v", err)
	}

	got, _ := s.GetNode("node-1")
	if got.SuccessfulTransfers != 1 || got.FailedTransfers != 1 {
		t.Errorf("Expected 1 success / 1 failure, got %d / %d",
			got.SuccessfulTransfers, got.FailedTransfers)
	}
	// 0.9*500 + 0.1*300 = 480; the failed transfer had no latency sample.
	if got.AvgResponseTimeMs != 480 {
		t.Errorf("Expected response time EMA 480, got %.1f", got.AvgResponseTimeMs)
	}
	if got.AvgBandwidthKBps <= 0 {
		t.Errorf("Expected bandwidth sample recorded, got %.2f", got.AvgBandwidthKBps)
	}
}

func TestEligibleNodesFilterAndOrder(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-a", 1000, 95)
	addOnlineNode(t, s, "node-b", 1000, 80)
	addOnlineNode(t, s, "node-c", 1000, 60)
	addOnlineNode(t, s, "node-d", 1000, 90)
	s.UpdateNodeStatus("node-d", models.NodeMaintenance)

	nodes, err := s.EligibleNodes(70, 10)
	if err != nil {
		t.Fatalf("EligibleNodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 eligible nodes, got %d", len(nodes))
	}
	if nodes[0].ID != "node-a" || nodes[1].ID != "node-b" {
		t.Errorf("Expected [node-a node-b], got [%s %s]", nodes[0].ID, nodes[1].ID)
	}
}

func TestDiscoverableNodesRequireCapacity(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-a", 1000, 95)
	addOnlineNode(t, s, "node-b", 1000, 90)
	s.SetNodeCapacity("node-b", 0)

	nodes, err := s.DiscoverableNodes(70, 10)
	if err != nil {
		t.Fatalf("DiscoverableNodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Errorf("Expected only node-a discoverable, got %d nodes", len(nodes))
	}
}

func TestUpsertFilePreservesCreatedAt(t *testing.T) {
	s := NewMemoryStorage()

	file := &models.File{
		ID:        "file-1",
		AccountID: "acct-1",
		Name:      "report.pdf",
		Size:      4096,
		Status:    models.FileBackingUp,
	}
	if err := s.UpsertFile(file); err != nil {
		t.Fatalf("UpsertFile failed: %v", err)
	}
	first, _ := s.GetFile("file-1")

	time.Sleep(2 * time.Millisecond)
	file.Status = models.FileBackedUp
	file.MerkleRoot = "abcd"
	if err := s.UpsertFile(file); err != nil {
		t.Fatalf("UpsertFile failed: %v", err)
	}

	got, exists := s.GetFile("file-1")
	if !exists {
		t.Fatal("File not found")
	}
	if got.Status != models.FileBackedUp {
		t.Errorf("Expected backed_up, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("Upsert should preserve CreatedAt")
	}
	if !got.UpdatedAt.After(first.UpdatedAt) {
		t.Error("Upsert should refresh UpdatedAt")
	}
}

func TestFragmentLifecycle(t *testing.T) {
	s := NewMemoryStorage()
	s.UpsertFile(&models.File{ID: "file-1", AccountID: "acct-1", Name: "a", Size: 10})

	frags := []*models.FileFragment{
		{ID: "frag-2", FileID: "file-1", AccountID: "acct-1", FragmentIndex: 2, FragmentType: models.FragmentParity, Hash: "h2", Size: 5},
		{ID: "frag-0", FileID: "file-1", AccountID: "acct-1", FragmentIndex: 0, FragmentType: models.FragmentData, Hash: "h0", Size: 5},
		{ID: "frag-1", FileID: "file-1", AccountID: "acct-1", FragmentIndex: 1, FragmentType: models.FragmentData, Hash: "h1", Size: 5},
	}
	if err := s.CreateFragments(frags); err != nil {
		t.Fatalf("CreateFragments failed: %v", err)
	}

	got, err := s.FragmentsByFile("file-1")
	if err != nil {
		t.Fatalf("FragmentsByFile failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(got))
	}
	for i, f := range got {
		if f.FragmentIndex != i {
			t.Errorf("Fragment %d out of order: index %d", i, f.FragmentIndex)
		}
		if f.Status != models.FragmentPending {
			t.Errorf("Expected pending, got %s", f.Status)
		}
	}

	if err := s.UpdateFragmentStatus("frag-0", models.FragmentVerified); err != nil {
		t.Fatalf("UpdateFragmentStatus failed: %v", err)
	}
	if err := s.UpdateFragmentStatus("frag-0", models.FragmentStored); err == nil {
		t.Error("Verified fragment should be immutable")
	}
	if err := s.UpdateFragmentStatus("frag-0", models.FragmentVerified); err != nil {
		t.Errorf("Re-verifying should be a no-op, got %v", err)
	}
}

func TestReservePlacements(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 100, 100)
	addOnlineNode(t, s, "node-2", 100, 100)

	placements := []*models.Placement{
		{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-1", RedundancyLevel: 2},
		{ID: "pl-2", FragmentID: "frag-1", NodeID: "node-2", RedundancyLevel: 2},
	}
	accepted, err := s.ReservePlacements(placements, map[string]int64{"frag-1": 40})
	if err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("Expected 2 accepted placements, got %d", len(accepted))
	}
	for _, p := range accepted {
		if p.Status != models.PlacementPending {
			t.Errorf("Expected pending placement, got %s", p.Status)
		}
	}

	n1, _ := s.GetNode("node-1")
	if n1.StorageAvailable != 60 {
		t.Errorf("Expected capacity 60 after reserve, got %d", n1.StorageAvailable)
	}
}

func TestReservePlacementsSkipsIneligible(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-full", 30, 100)
	addOnlineNode(t, s, "node-off", 100, 100)
	addOnlineNode(t, s, "node-ok", 100, 100)
	s.UpdateNodeStatus("node-off", models.NodeOffline)

	placements := []*models.Placement{
		{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-full", RedundancyLevel: 3},
		{ID: "pl-2", FragmentID: "frag-1", NodeID: "node-off", RedundancyLevel: 3},
		{ID: "pl-3", FragmentID: "frag-1", NodeID: "node-ok", RedundancyLevel: 3},
	}
	accepted, err := s.ReservePlacements(placements, map[string]int64{"frag-1": 40})
	if err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}
	if len(accepted) != 1 || accepted[0].NodeID != "node-ok" {
		t.Fatalf("Expected only node-ok accepted, got %d placements", len(accepted))
	}

	full, _ := s.GetNode("node-full")
	if full.StorageAvailable != 30 {
		t.Errorf("Rejected placement must not consume capacity, got %d", full.StorageAvailable)
	}
}

func TestReservePlacementsRedundancyCap(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)
	addOnlineNode(t, s, "node-2", 1000, 100)
	addOnlineNode(t, s, "node-3", 1000, 100)

	placements := []*models.Placement{
		{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-1", RedundancyLevel: 2},
		{ID: "pl-2", FragmentID: "frag-1", NodeID: "node-2", RedundancyLevel: 2},
		{ID: "pl-3", FragmentID: "frag-1", NodeID: "node-3", RedundancyLevel: 2},
	}
	accepted, err := s.ReservePlacements(placements, map[string]int64{"frag-1": 10})
	if err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}
	if len(accepted) != 2 {
		t.Errorf("Expected redundancy cap at 2, got %d placements", len(accepted))
	}

	n3, _ := s.GetNode("node-3")
	if n3.StorageAvailable != 1000 {
		t.Errorf("Capped placement must refund capacity, got %d", n3.StorageAvailable)
	}
}

func TestReservePlacementsDuplicate(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	first := []*models.Placement{{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-1", RedundancyLevel: 3}}
	if _, err := s.ReservePlacements(first, map[string]int64{"frag-1": 10}); err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}

	again := []*models.Placement{{ID: "pl-2", FragmentID: "frag-1", NodeID: "node-1", RedundancyLevel: 3}}
	accepted, err := s.ReservePlacements(again, map[string]int64{"frag-1": 10})
	if err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Errorf("Expected duplicate fragment/node pair rejected, got %d", len(accepted))
	}

	n1, _ := s.GetNode("node-1")
	if n1.StorageAvailable != 990 {
		t.Errorf("Expected capacity 990, got %d", n1.StorageAvailable)
	}
}

func TestPendingPlacementsOrderAndLimit(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	for i, id := range []string{"pl-a", "pl-b", "pl-c"} {
		p := []*models.Placement{{
			ID: id, FragmentID: "frag-" + id, NodeID: "node-1", RedundancyLevel: 1,
			CreatedAt: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
		}}
		if _, err := s.ReservePlacements(p, map[string]int64{"frag-" + id: 1}); err != nil {
			t.Fatalf("ReservePlacements failed: %v", err)
		}
	}
	s.UpdatePlacementStatus("pl-b", models.PlacementStored)

	pending, err := s.PendingPlacements(10)
	if err != nil {
		t.Fatalf("PendingPlacements failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending placements, got %d", len(pending))
	}
	if pending[0].ID != "pl-a" || pending[1].ID != "pl-c" {
		t.Errorf("Expected oldest-first [pl-a pl-c], got [%s %s]", pending[0].ID, pending[1].ID)
	}

	limited, _ := s.PendingPlacements(1)
	if len(limited) != 1 {
		t.Errorf("Expected limit honored, got %d", len(limited))
	}
}

func TestPlacementVerifiedStampsLastVerified(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	p := []*models.Placement{{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-1", RedundancyLevel: 1}}
	if _, err := s.ReservePlacements(p, map[string]int64{"frag-1": 10}); err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}

	got, _ := s.GetPlacement("pl-1")
	if !got.LastVerified.IsZero() {
		t.Error("New placement should have no last-verified timestamp")
	}

	if err := s.UpdatePlacementStatus("pl-1", models.PlacementVerified); err != nil {
		t.Fatalf("UpdatePlacementStatus failed: %v", err)
	}
	got, _ = s.GetPlacement("pl-1")
	if got.LastVerified.IsZero() {
		t.Error("Verified placement should stamp last-verified")
	}
}

func TestBestSourceNode(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-low", 1000, 75)
	addOnlineNode(t, s, "node-high", 1000, 95)
	addOnlineNode(t, s, "node-down", 1000, 99)

	placements := []*models.Placement{
		{ID: "pl-1", FragmentID: "frag-1", NodeID: "node-low", RedundancyLevel: 3},
		{ID: "pl-2", FragmentID: "frag-1", NodeID: "node-high", RedundancyLevel: 3},
		{ID: "pl-3", FragmentID: "frag-1", NodeID: "node-down", RedundancyLevel: 3},
	}
	if _, err := s.ReservePlacements(placements, map[string]int64{"frag-1": 10}); err != nil {
		t.Fatalf("ReservePlacements failed: %v", err)
	}
	s.UpdatePlacementStatus("pl-1", models.PlacementStored)
	s.UpdatePlacementStatus("pl-2", models.PlacementVerified)
	s.UpdatePlacementStatus("pl-3", models.PlacementStored)
	s.UpdateNodeStatus("node-down", models.NodeOffline)

	nodeID, found := s.BestSourceNode("frag-1")
	if !found {
		t.Fatal("Expected a source node")
	}
	if nodeID != "node-high" {
		t.Errorf("Expected node-high, got %s", nodeID)
	}

	if _, found := s.BestSourceNode("frag-unknown"); found {
		t.Error("Expected no source for unknown fragment")
	}
}

func TestSaveReputationMirrorsNode(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)

	score := &models.ReputationScore{
		NodeID:         "node-1",
		Uptime:         90,
		ResponseTimeMs: 450,
		TotalStored:    12,
		Successes:      40,
		Failures:       2,
		Score:          88,
		Tier:           "silver",
	}
	if err := s.SaveReputation(score); err != nil {
		t.Fatalf("SaveReputation failed: %v", err)
	}

	got, exists := s.GetReputation("node-1")
	if !exists {
		t.Fatal("Reputation not found")
	}
	if got.Score != 88 || got.Tier != "silver" {
		t.Errorf("Expected score 88 / silver, got %.1f / %s", got.Score, got.Tier)
	}

	node, _ := s.GetNode("node-1")
	if node.ReputationScore != 88 {
		t.Errorf("Expected node row mirror 88, got %.1f", node.ReputationScore)
	}
	if node.UptimePercentage != 90 {
		t.Errorf("Expected uptime mirror 90, got %.1f", node.UptimePercentage)
	}
}

func TestStats(t *testing.T) {
	s := NewMemoryStorage()
	addOnlineNode(t, s, "node-1", 1000, 100)
	addOnlineNode(t, s, "node-2", 1000, 100)
	s.UpdateNodeStatus("node-2", models.NodeOffline)
	s.UpsertFile(&models.File{ID: "file-1", AccountID: "a", Name: "f", Size: 1})

	online, total, files := s.Stats()
	if online != 1 || total != 2 || files != 1 {
		t.Errorf("Expected 1/2/1, got %d/%d/%d", online, total, files)
	}
}

func TestRecordPeerConnection(t *testing.T) {
	s := NewMemoryStorage()

	rec := &models.PeerConnection{
		ID:           "conn-1",
		SourceID:     "coordinator",
		TargetID:     "node-1",
		TransferType: models.TransferStore,
		BytesSent:    2048,
		Outcome:      models.OutcomeSuccess,
		LatencyMs:    120,
		StartedAt:    time.Now().Add(-time.Second),
		EndedAt:      time.Now(),
	}
	if err := s.RecordPeerConnection(rec); err != nil {
		t.Fatalf("RecordPeerConnection failed: %v", err)
	}
}
