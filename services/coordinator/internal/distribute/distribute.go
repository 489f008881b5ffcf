// Package distribute implements the file distribution pipeline: erasure
// coding, per-fragment encryption, staging, and placement onto storage
// nodes. Every persistence step is a commit point, so an abandoned run
// leaves pending rows the transfer pusher can re-drive rather than
// half-written state.
package distribute

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/p2p-storage/fragment-store/pkg/crypto"
	"github.com/p2p-storage/fragment-store/pkg/erasure"
	"github.com/p2p-storage/fragment-store/pkg/logger"
	"github.com/p2p-storage/fragment-store/pkg/merkle"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/stage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
)

var (
	// ErrNotFound covers both a missing file and a file owned by another
	// account, so callers cannot probe for foreign file IDs.
	ErrNotFound = errors.New("file not found")

	// ErrInsufficientFragments means too few verified data fragments
	// remain to hand out a retrieval plan.
	ErrInsufficientFragments = errors.New("insufficient verified fragments")

	// ErrPlacementShortfall names the partial-placement outcome. It is
	// carried inside DistributionResult.Error, never returned: partial
	// placement is reported to the caller, not raised.
	ErrPlacementShortfall = errors.New("placement shortfall")
)

// Request carries one distribution order from the file catalog.
type Request struct {
	FileID  string `json:"file_id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name,omitempty"`
	Data    []byte `json:"data"`
	Level   int    `json:"reliability_level"`
}

// DistributionResult reports how a distribution ended. Partial placement
// is reported, not retried; the transfer pusher keeps driving whatever
// placements were reserved.
type DistributionResult struct {
	FileID      string            `json:"file_id"`
	Success     bool              `json:"success"`
	Status      models.FileStatus `json:"status"`
	PlacedCount int               `json:"placed_count"`
	TotalCount  int               `json:"total_count"`
	MerkleRoot  string            `json:"merkle_root,omitempty"`
	Key         string            `json:"key,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Location is one fetchable copy of a fragment.
type Location struct {
	NodeID     string                 `json:"node_id"`
	Reputation float64                `json:"reputation_score"`
	Status     models.PlacementStatus `json:"status"`
}

// FragmentInfo describes one fragment in a retrieval plan, with its
// decryption material and where to fetch it. Locations are ordered best
// node first.
type FragmentInfo struct {
	FragmentID string                `json:"fragment_id"`
	Index      int                   `json:"fragment_index"`
	Type       models.FragmentType   `json:"fragment_type"`
	Hash       string                `json:"hash"`
	Size       int64                 `json:"size"`
	IV         []byte                `json:"iv"`
	AuthTag    []byte                `json:"auth_tag"`
	Status     models.FragmentStatus `json:"status"`
	Locations  []Location            `json:"locations"`
}

// FileInfo is the full retrieval plan for a file, including the unwrapped
// key. It is only ever handed to the owning account.
type FileInfo struct {
	FileID       string            `json:"file_id"`
	Name         string            `json:"name,omitempty"`
	Size         int64             `json:"size"`
	Status       models.FileStatus `json:"status"`
	Level        int               `json:"reliability_level"`
	DataCount    int               `json:"data_count"`
	ParityCount  int               `json:"parity_count"`
	FragmentSize int64             `json:"fragment_size"`
	MerkleRoot   string            `json:"merkle_root"`
	Key          string            `json:"key"`
	Fragments    []FragmentInfo    `json:"fragments"`
}

// Controller runs distributions and builds retrieval plans. It never
// touches node connections itself; staged ciphertext is pushed out by the
// transfer pusher.
type Controller struct {
	store    storage.Storage
	stg      stage.Stage
	coder    erasure.Coder
	selector Selector
	master   []byte
	notify   func()
	log      *logger.Logger
}

// NewController wires a distribution controller. masterSecret is the
// deployment secret file keys are wrapped under.
func NewController(store storage.Storage, stg stage.Stage, coder erasure.Coder, selector Selector, masterSecret []byte) *Controller {
	return &Controller{
		store:    store,
		stg:      stg,
		coder:    coder,
		selector: selector,
		master:   masterSecret,
		log:      logger.New("Distribute"),
	}
}

// SetNotify registers a callback invoked after placements are reserved,
// typically the transfer pusher's wake-up.
func (c *Controller) SetNotify(fn func()) {
	c.notify = fn
}

// Distribute encodes, encrypts, stages, and places one file. The returned
// result reports partial placement instead of failing the call; hard
// errors (bad input, storage failures) come back as an error with the file
// reverted to pending.
func (c *Controller) Distribute(ctx context.Context, req Request) (*DistributionResult, error) {
	if req.FileID == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("file id and owner id are required")
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("no data to distribute")
	}
	if req.Level < 1 || req.Level > erasure.MaxReliabilityLevel {
		return nil, fmt.Errorf("reliability level must be 1..%d, got %d", erasure.MaxReliabilityLevel, req.Level)
	}
	if existing, ok := c.store.GetFile(req.FileID); ok && existing.AccountID != req.OwnerID {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := &models.File{
		ID:               req.FileID,
		AccountID:        req.OwnerID,
		Name:             req.Name,
		Size:             int64(len(req.Data)),
		Status:           models.FileBackingUp,
		ReliabilityLevel: req.Level,
	}
	if err := c.store.UpsertFile(file); err != nil {
		return nil, fmt.Errorf("failed to mark file backing up: %w", err)
	}

	layout, err := erasure.ComputeLayout(file.Size, req.Level)
	if err != nil {
		return nil, c.fail(req.FileID, err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to generate file key: %w", err))
	}
	shards, err := c.coder.Encode(req.Data, layout.DataCount, layout.ParityCount)
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to encode file: %w", err))
	}

	rows := make([]*models.FileFragment, 0, len(shards))
	digests := make([]string, 0, len(shards))
	for i, shard := range shards {
		ciphertext, iv, tag, err := crypto.Encrypt(shard, key)
		if err != nil {
			return nil, c.fail(req.FileID, fmt.Errorf("failed to encrypt fragment %d: %w", i, err))
		}
		fragType := models.FragmentParity
		if i < layout.DataCount {
			fragType = models.FragmentData
		}
		row := &models.FileFragment{
			ID:            uuid.New().String(),
			FileID:        req.FileID,
			AccountID:     req.OwnerID,
			FragmentIndex: i,
			FragmentType:  fragType,
			Hash:          crypto.Hash(ciphertext),
			Size:          int64(len(ciphertext)),
			IV:            iv,
			AuthTag:       tag,
			Status:        models.FragmentPending,
		}
		if err := c.stg.Put(row.ID, ciphertext); err != nil {
			return nil, c.fail(req.FileID, fmt.Errorf("failed to stage fragment %d: %w", i, err))
		}
		rows = append(rows, row)
		digests = append(digests, row.Hash)
	}
	if err := c.store.CreateFragments(rows); err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to record fragments: %w", err))
	}

	root, err := merkle.FragmentRoot(digests)
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to build merkle root: %w", err))
	}
	wrapped, err := crypto.WrapKey(c.master, req.FileID, key)
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to wrap file key: %w", err))
	}
	file.DataCount = layout.DataCount
	file.ParityCount = layout.ParityCount
	file.FragmentSize = layout.FragmentSize
	file.MerkleRoot = root
	file.WrappedKey = wrapped
	if err := c.store.UpsertFile(file); err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to persist file layout: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(req.FileID, err)
	}

	nodes, err := c.selector.Select(req.Level)
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to select nodes: %w", err))
	}

	want := make([]*models.Placement, 0, len(rows)*len(nodes))
	bytesFor := make(map[string]int64, len(rows))
	for _, row := range rows {
		bytesFor[row.ID] = row.Size
		for _, node := range nodes {
			want = append(want, &models.Placement{
				ID:              uuid.New().String(),
				FragmentID:      row.ID,
				NodeID:          node.ID,
				Status:          models.PlacementPending,
				RedundancyLevel: req.Level,
			})
		}
	}
	accepted, err := c.store.ReservePlacements(want, bytesFor)
	if err != nil {
		return nil, c.fail(req.FileID, fmt.Errorf("failed to reserve placements: %w", err))
	}
	if c.notify != nil && len(accepted) > 0 {
		c.notify()
	}

	// A fragment counts as placed only at its full redundancy level, so a
	// single-node deployment reports success=false even though every
	// fragment landed somewhere.
	perFragment := make(map[string]int, len(rows))
	for _, p := range accepted {
		perFragment[p.FragmentID]++
	}
	placed := 0
	for _, row := range rows {
		if perFragment[row.ID] >= req.Level {
			placed++
		}
	}

	result := &DistributionResult{
		FileID:      req.FileID,
		PlacedCount: placed,
		TotalCount:  len(rows),
		MerkleRoot:  root,
	}
	if placed == len(rows) {
		if err := c.store.UpdateFileStatus(req.FileID, models.FileBackedUp); err != nil {
			return nil, fmt.Errorf("failed to mark file backed up: %w", err)
		}
		result.Success = true
		result.Status = models.FileBackedUp
		result.Key = hex.EncodeToString(key)
		c.log.Info("Distributed file %s: %d fragments across %d nodes", req.FileID, len(rows), len(nodes))
	} else {
		if err := c.store.UpdateFileStatus(req.FileID, models.FilePending); err != nil {
			return nil, fmt.Errorf("failed to mark file pending: %w", err)
		}
		result.Status = models.FilePending
		result.Error = fmt.Sprintf("%v: %d of %d fragments reached redundancy %d", ErrPlacementShortfall, placed, len(rows), req.Level)
		c.log.Warn("Partial placement for file %s: %d/%d fragments at redundancy %d", req.FileID, placed, len(rows), req.Level)
	}
	return result, nil
}

// fail reverts the file to pending after a mid-flight error. Fragment and
// placement rows already committed stay behind for the pusher to re-drive.
func (c *Controller) fail(fileID string, err error) error {
	if uerr := c.store.UpdateFileStatus(fileID, models.FilePending); uerr != nil {
		c.log.Error("Failed to revert file %s to pending: %v", fileID, uerr)
	}
	return err
}

// Retrieve builds the retrieval plan for a file: layout, merkle root,
// unwrapped key, and per-fragment decryption material with fetchable
// locations. It does not move fragment bytes; clients fetch them from the
// listed nodes over the tunnel.
func (c *Controller) Retrieve(ctx context.Context, fileID, ownerID string) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, ok := c.store.GetFile(fileID)
	if !ok || file.AccountID != ownerID {
		return nil, ErrNotFound
	}
	frags, err := c.store.FragmentsByFile(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fragments: %w", err)
	}

	verifiedData := 0
	for _, f := range frags {
		if f.FragmentType == models.FragmentData && f.Status == models.FragmentVerified {
			verifiedData++
		}
	}
	if verifiedData < file.DataCount {
		return nil, fmt.Errorf("%w: %d verified data fragments, need %d", ErrInsufficientFragments, verifiedData, file.DataCount)
	}

	key, err := crypto.UnwrapKey(c.master, fileID, file.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap file key: %w", err)
	}

	scores := make(map[string]float64)
	infos := make([]FragmentInfo, 0, len(frags))
	for _, f := range frags {
		placements, err := c.store.PlacementsByFragment(f.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load placements for fragment %s: %w", f.ID, err)
		}
		locs := make([]Location, 0, len(placements))
		for _, p := range placements {
			if p.Status != models.PlacementStored && p.Status != models.PlacementVerified {
				continue
			}
			score, seen := scores[p.NodeID]
			if !seen {
				if node, found := c.store.GetNode(p.NodeID); found {
					score = node.ReputationScore
				}
				scores[p.NodeID] = score
			}
			locs = append(locs, Location{NodeID: p.NodeID, Reputation: score, Status: p.Status})
		}
		sort.SliceStable(locs, func(i, j int) bool {
			return locs[i].Reputation > locs[j].Reputation
		})
		infos = append(infos, FragmentInfo{
			FragmentID: f.ID,
			Index:      f.FragmentIndex,
			Type:       f.FragmentType,
			Hash:       f.Hash,
			Size:       f.Size,
			IV:         f.IV,
			AuthTag:    f.AuthTag,
			Status:     f.Status,
			Locations:  locs,
		})
	}

	return &FileInfo{
		FileID:       file.ID,
		Name:         file.Name,
		Size:         file.Size,
		Status:       file.Status,
		Level:        file.ReliabilityLevel,
		DataCount:    file.DataCount,
		ParityCount:  file.ParityCount,
		FragmentSize: file.FragmentSize,
		MerkleRoot:   file.MerkleRoot,
		Key:          hex.EncodeToString(key),
		Fragments:    infos,
	}, nil
}
