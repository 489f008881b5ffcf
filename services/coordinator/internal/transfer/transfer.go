// Package transfer pushes staged fragment ciphertext out to storage
// nodes. The pusher scans pending placements, sends store requests
// through the relay, and follows each successful store with a
// verification round. Placement state advances inside the relay's
// transfer effects, so the pusher only schedules work and retries.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/p2p-storage/fragment-store/pkg/logger"
	"github.com/p2p-storage/fragment-store/pkg/protocol"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/stage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
)

// Requester is the relay surface the pusher drives transfers through.
type Requester interface {
	IsConnected(peerID string) bool
	Request(ctx context.Context, targetNode string, req *protocol.ChunkRequestPayload) (*protocol.ChunkResponsePayload, error)
}

// Config tunes the pusher.
type Config struct {
	Workers        int
	MaxAttempts    int
	QueueSize      int
	ScanInterval   time.Duration
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Stats counts pusher outcomes since start.
type Stats struct {
	Stored   int64 `json:"stored"`
	Verified int64 `json:"verified"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
}

// Pusher drives pending placements to their nodes with a small worker
// pool. Distributions call Kick after reserving placements; a periodic
// scan picks up anything left behind, including placements from a
// previous run.
type Pusher struct {
	store storage.Storage
	stg   stage.Stage
	relay Requester
	cfg   Config
	log   *logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	stats    Stats

	tasks  chan string
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPusher wires a pusher; call Start to begin driving placements.
func NewPusher(store storage.Storage, stg stage.Stage, relay Requester, cfg Config) *Pusher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		store:    store,
		stg:      stg,
		relay:    relay,
		cfg:      cfg,
		log:      logger.New("Pusher"),
		inflight: make(map[string]struct{}),
		tasks:    make(chan string, cfg.QueueSize),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers and the scan loop. The first scan runs
// immediately so placements left behind by a previous run get re-driven.
func (p *Pusher) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.scanLoop()
	p.log.Info("Pusher started with %d workers", p.cfg.Workers)
}

// Stop cancels in-flight requests and waits for workers to drain.
func (p *Pusher) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Kick asks for a prompt scan, typically right after a distribution
// reserved placements.
func (p *Pusher) Kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the pusher counters.
func (p *Pusher) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pusher) scanLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	p.scan()
	for {
		select {
		case <-ticker.C:
			p.scan()
		case <-p.wake:
			p.scan()
		case <-p.ctx.Done():
			return
		}
	}
}

// scan enqueues pending placements that are not already in flight.
func (p *Pusher) scan() {
	pending, err := p.store.PendingPlacements(p.cfg.QueueSize)
	if err != nil {
		p.log.Error("Failed to list pending placements: %v", err)
		return
	}
	for _, pl := range pending {
		p.mu.Lock()
		_, busy := p.inflight[pl.ID]
		if !busy {
			p.inflight[pl.ID] = struct{}{}
		}
		p.mu.Unlock()
		if busy {
			continue
		}
		select {
		case p.tasks <- pl.ID:
		default:
			// Queue full; the next scan picks the rest up.
			p.release(pl.ID)
			return
		}
	}
}

func (p *Pusher) release(placementID string) {
	p.mu.Lock()
	delete(p.inflight, placementID)
	p.mu.Unlock()
}

func (p *Pusher) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

func (p *Pusher) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case placementID := <-p.tasks:
			p.push(id, placementID)
			p.release(placementID)
		case <-p.ctx.Done():
			return
		}
	}
}

// push drives one placement through store and verify.
func (p *Pusher) push(workerID int, placementID string) {
	pl, ok := p.store.GetPlacement(placementID)
	if !ok || pl.Status != models.PlacementPending {
		return
	}
	frag, ok := p.store.GetFragment(pl.FragmentID)
	if !ok {
		p.log.Error("Placement %s references unknown fragment %s", pl.ID, pl.FragmentID)
		return
	}
	data, ok := p.stg.Get(frag.ID)
	if !ok {
		// Staged bytes are gone, for example a memory stage across a
		// restart. The placement cannot be driven; fail it so operators
		// see it instead of it pending forever.
		if err := p.store.UpdatePlacementStatus(pl.ID, models.PlacementFailed); err != nil {
			p.log.Error("Failed to mark unstageable placement %s: %v", pl.ID, err)
		}
		p.count(func(s *Stats) { s.Failed++ })
		p.log.Warn("No staged bytes for fragment %s, placement %s failed", frag.ID, pl.ID)
		return
	}
	if !p.relay.IsConnected(pl.NodeID) {
		// Node offline; leave the placement pending for a later scan.
		p.count(func(s *Stats) { s.Skipped++ })
		return
	}

	resp, err := p.request(pl.NodeID, &protocol.ChunkRequestPayload{
		Action:     protocol.ChunkStore,
		FragmentID: frag.ID,
		FileID:     frag.FileID,
		Index:      frag.FragmentIndex,
		Hash:       frag.Hash,
		Size:       frag.Size,
		Data:       data,
	})
	if err != nil {
		p.count(func(s *Stats) { s.Failed++ })
		p.log.Warn("[Worker %d] Store of fragment %s on %s failed: %v", workerID, frag.ID, pl.NodeID, err)
		return
	}
	if !resp.Success {
		p.count(func(s *Stats) { s.Failed++ })
		p.log.Warn("[Worker %d] Node %s rejected fragment %s: %s", workerID, pl.NodeID, frag.ID, resp.Error)
		return
	}
	p.count(func(s *Stats) { s.Stored++ })

	vresp, err := p.request(pl.NodeID, &protocol.ChunkRequestPayload{
		Action:     protocol.ChunkVerify,
		FragmentID: frag.ID,
		Hash:       frag.Hash,
	})
	if err != nil {
		// Stored but unverified; the placement stays at stored until a
		// later verification.
		p.log.Warn("[Worker %d] Verify of fragment %s on %s failed: %v", workerID, frag.ID, pl.NodeID, err)
		return
	}
	if vresp.Success && vresp.Hash == frag.Hash {
		p.count(func(s *Stats) { s.Verified++ })
		p.log.Info("[Worker %d] Fragment %s verified on %s", workerID, frag.ID, pl.NodeID)
	} else {
		p.count(func(s *Stats) { s.Failed++ })
		p.log.Warn("[Worker %d] Fragment %s failed verification on %s", workerID, frag.ID, pl.NodeID)
	}
}

// request retries a relay request with linearly growing backoff.
func (p *Pusher) request(nodeID string, req *protocol.ChunkRequestPayload) (*protocol.ChunkResponsePayload, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RequestTimeout)
		resp, err := p.relay.Request(ctx, nodeID, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < p.cfg.MaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * p.cfg.RetryBackoff):
			case <-p.ctx.Done():
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}
