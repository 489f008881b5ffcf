package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-storage/fragment-store/pkg/protocol"
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
)

// dispatch routes one authenticated frame. Frame types a peer should
// never send after auth are logged and dropped.
func (t *Tunnel) dispatch(p *peer, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameHeartbeat:
		t.handleHeartbeat(p, frame)
	case protocol.FrameHeartbeatAck:
		t.handleHeartbeatAck(p, frame)
	case protocol.FramePeerDiscovery:
		t.handleDiscovery(p, frame)
	case protocol.FrameChunkRequest:
		t.handleChunkRequest(p, frame)
	case protocol.FrameChunkResponse:
		t.handleChunkResponse(p, frame)
	case protocol.FrameNodeMetrics:
		t.handleNodeMetrics(p, frame)
	case protocol.FrameError:
		t.handleErrorFrame(p, frame)
	default:
		t.log.Warn("Unexpected %s frame from %s dropped", frame.Type, p.id)
	}
}

func (t *Tunnel) nodeIDFor(peerID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.meta[peerID]; ok {
		return m.nodeID
	}
	return ""
}

// handleHeartbeat acks a client-initiated heartbeat. For node peers it
// also counts as a successful uptime check.
func (t *Tunnel) handleHeartbeat(p *peer, frame *protocol.Frame) {
	if nodeID := t.nodeIDFor(p.id); nodeID != "" {
		if err := t.store.TouchNode(nodeID); err != nil {
			t.log.Warn("Failed to touch node %s: %v", nodeID, err)
		}
		t.recordEvent(nodeID, reputation.EventUptimeCheck, true, 0)
	}

	ack, err := protocol.NewFrame(protocol.FrameHeartbeatAck, protocol.HeartbeatPayload{SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	ack.To = p.id
	ack.RequestID = frame.RequestID
	t.sendFrame(p, ack)
}

// handleHeartbeatAck resolves a server-pushed probe into a round-trip
// latency observation.
func (t *Tunnel) handleHeartbeatAck(p *peer, frame *protocol.Frame) {
	t.mu.Lock()
	pr, ok := t.probes[frame.RequestID]
	if ok {
		delete(t.probes, frame.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	rttMs := float64(time.Since(pr.sentAt)) / float64(time.Millisecond)
	if err := t.store.TouchNode(pr.nodeID); err != nil {
		t.log.Warn("Failed to touch node %s: %v", pr.nodeID, err)
	}
	t.recordEvent(pr.nodeID, reputation.EventLatencyCheck, true, rttMs)
}

// handleDiscovery answers with reliable online nodes that have free
// capacity. Addresses and account identifiers never leave the tunnel.
func (t *Tunnel) handleDiscovery(p *peer, frame *protocol.Frame) {
	limit := t.cfg.DiscoveryLimit
	if len(frame.Payload) > 0 {
		var req protocol.DiscoveryRequest
		if err := frame.DecodePayload(&req); err != nil {
			t.sendError(p.id, frame.RequestID, protocol.CodeInvalidFrame, "malformed discovery request")
			return
		}
		if req.Limit > 0 {
			limit = req.Limit
		}
	}
	if limit > t.cfg.DiscoveryCap {
		limit = t.cfg.DiscoveryCap
	}

	selfNode := t.nodeIDFor(p.id)
	nodes, err := t.store.DiscoverableNodes(t.cfg.MinReputation, limit+1)
	if err != nil {
		t.log.Error("Discovery query failed: %v", err)
		t.sendError(p.id, frame.RequestID, protocol.CodeNotFound, "discovery unavailable")
		return
	}

	summaries := make([]protocol.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == selfNode {
			continue
		}
		if len(summaries) == limit {
			break
		}
		summaries = append(summaries, protocol.NodeSummary{
			NodeID:           n.ID,
			ReputationScore:  n.ReputationScore,
			StorageAvailable: n.StorageAvailable,
			Status:           string(n.Status),
		})
	}

	result, err := protocol.NewFrame(protocol.FrameDiscoveryResult, protocol.DiscoveryResult{Nodes: summaries})
	if err != nil {
		return
	}
	result.To = p.id
	result.RequestID = frame.RequestID
	t.sendFrame(p, result)
}

// handleChunkRequest forwards a chunk request to its target node,
// tracking it until the response or expiry. An absent target is answered
// with an error frame, never silence.
func (t *Tunnel) handleChunkRequest(p *peer, frame *protocol.Frame) {
	var req protocol.ChunkRequestPayload
	if err := frame.DecodePayload(&req); err != nil {
		t.sendError(p.id, frame.RequestID, protocol.CodeInvalidFrame, "malformed chunk request")
		return
	}

	target := frame.To
	if target == "" {
		if req.FragmentID == "" {
			t.sendError(p.id, frame.RequestID, protocol.CodeInvalidFrame, "chunk request needs a target or fragment_id")
			return
		}
		src, ok := t.store.BestSourceNode(req.FragmentID)
		if !ok {
			t.sendError(p.id, frame.RequestID, protocol.CodeTargetUnavailable, "no node holds this fragment")
			return
		}
		target = src
	}

	tp, ok := t.peerByID(target)
	if !ok {
		t.sendError(p.id, frame.RequestID, protocol.CodeTargetUnavailable, "target node not connected")
		return
	}

	if frame.RequestID == "" {
		frame.RequestID = uuid.New().String()
	}
	frame.To = target

	pt := &pendingTransfer{
		requestID:    frame.RequestID,
		sourceID:     p.id,
		targetNode:   target,
		action:       req.Action,
		fragmentID:   req.FragmentID,
		expectedHash: req.Hash,
		bytesOut:     int64(len(req.Data)),
		startedAt:    time.Now(),
	}
	t.mu.Lock()
	t.pending[pt.requestID] = pt
	t.mu.Unlock()

	if !t.sendFrame(tp, frame) {
		t.mu.Lock()
		delete(t.pending, pt.requestID)
		t.mu.Unlock()
		t.sendError(p.id, frame.RequestID, protocol.CodeTargetUnavailable, "target node is busy")
	}
}

// handleChunkResponse completes an in-flight transfer: effects first,
// then delivery to the requester. Responses without a tracked request are
// forwarded by address when possible.
func (t *Tunnel) handleChunkResponse(p *peer, frame *protocol.Frame) {
	var resp protocol.ChunkResponsePayload
	if err := frame.DecodePayload(&resp); err != nil {
		t.log.Warn("Dropping malformed chunk response from %s: %v", p.id, err)
		return
	}

	t.mu.Lock()
	pt, ok := t.pending[frame.RequestID]
	if ok {
		delete(t.pending, frame.RequestID)
	}
	t.mu.Unlock()

	if !ok {
		if frame.To != "" && frame.To != protocol.CoordinatorPeerID {
			t.forwardRaw(frame)
		} else {
			t.log.Warn("Chunk response from %s with no tracked request %s", p.id, frame.RequestID)
		}
		return
	}

	t.applyTransferEffects(pt, &resp)

	if pt.waiter != nil {
		select {
		case pt.waiter <- frame:
		default:
		}
		return
	}

	frame.To = pt.sourceID
	t.forwardRaw(frame)
}

// handleNodeMetrics updates the node row's capacity snapshot. Client
// peers have no node row, so their reports are rejected.
func (t *Tunnel) handleNodeMetrics(p *peer, frame *protocol.Frame) {
	nodeID := t.nodeIDFor(p.id)
	if nodeID == "" {
		t.sendError(p.id, frame.RequestID, protocol.CodeUnauthenticated, "metrics accepted from storage nodes only")
		return
	}
	var m protocol.NodeMetricsPayload
	if err := frame.DecodePayload(&m); err != nil {
		t.sendError(p.id, frame.RequestID, protocol.CodeInvalidFrame, "malformed metrics payload")
		return
	}
	if err := t.store.SetNodeCapacity(nodeID, m.StorageAvailable); err != nil {
		t.log.Warn("Failed to update capacity for %s: %v", nodeID, err)
	}
}

// handleErrorFrame treats a node's error as the failure completion of its
// tracked request; otherwise the error is forwarded by address.
func (t *Tunnel) handleErrorFrame(p *peer, frame *protocol.Frame) {
	var ep protocol.ErrorPayload
	if err := frame.DecodePayload(&ep); err != nil {
		t.log.Warn("Dropping malformed error frame from %s: %v", p.id, err)
		return
	}

	t.mu.Lock()
	pt, ok := t.pending[frame.RequestID]
	if ok {
		delete(t.pending, frame.RequestID)
	}
	t.mu.Unlock()

	if !ok {
		if frame.To != "" && frame.To != protocol.CoordinatorPeerID {
			t.forwardRaw(frame)
		}
		return
	}

	resp := protocol.ChunkResponsePayload{
		Action:     pt.action,
		FragmentID: pt.fragmentID,
		Success:    false,
		Error:      fmt.Sprintf("%d: %s", ep.Code, ep.Message),
	}
	t.applyTransferEffects(pt, &resp)

	if pt.waiter != nil {
		select {
		case pt.waiter <- frame:
		default:
		}
		return
	}
	frame.To = pt.sourceID
	t.forwardRaw(frame)
}

func (t *Tunnel) forwardRaw(frame *protocol.Frame) {
	target, ok := t.peerByID(frame.To)
	if !ok {
		t.log.Warn("No connection for %s, dropping %s frame", frame.To, frame.Type)
		return
	}
	t.sendFrame(target, frame)
}

// applyTransferEffects is the single point where a transfer outcome is
// recorded: one PeerConnection row, the node's performance snapshot,
// reputation events, and placement/fragment advancement.
func (t *Tunnel) applyTransferEffects(pt *pendingTransfer, resp *protocol.ChunkResponsePayload) {
	now := time.Now()
	latencyMs := float64(now.Sub(pt.startedAt)) / float64(time.Millisecond)

	outcome := models.OutcomeFailure
	if resp.Success {
		outcome = models.OutcomeSuccess
	}

	var transferType models.TransferType
	var bytesSent, bytesReceived int64
	switch pt.action {
	case protocol.ChunkStore:
		transferType = models.TransferStore
		bytesSent = pt.bytesOut
	case protocol.ChunkRetrieve:
		transferType = models.TransferRetrieve
		bytesReceived = int64(len(resp.Data))
	case protocol.ChunkVerify:
		transferType = models.TransferVerify
	default:
		transferType = models.TransferType(pt.action)
	}

	rec := &models.PeerConnection{
		ID:            uuid.New().String(),
		SourceID:      pt.sourceID,
		TargetID:      pt.targetNode,
		TransferType:  transferType,
		BytesSent:     bytesSent,
		BytesReceived: bytesReceived,
		Outcome:       outcome,
		LatencyMs:     latencyMs,
		ErrorDetail:   resp.Error,
		StartedAt:     pt.startedAt,
		EndedAt:       now,
	}
	if err := t.store.RecordPeerConnection(rec); err != nil {
		t.log.Warn("Failed to record transfer: %v", err)
	}
	if err := t.store.RecordNodeTransfer(pt.targetNode, resp.Success, latencyMs, bytesSent+bytesReceived); err != nil {
		t.log.Warn("Failed to update node snapshot: %v", err)
	}

	switch pt.action {
	case protocol.ChunkRetrieve:
		t.recordEvent(pt.targetNode, reputation.EventChunkRetrieved, resp.Success, 0)
		if resp.Success {
			t.recordEvent(pt.targetNode, reputation.EventLatencyCheck, true, latencyMs)
		}

	case protocol.ChunkStore:
		if resp.Success {
			t.recordEvent(pt.targetNode, reputation.EventChunkStored, true, 0)
			t.advancePlacement(pt, models.PlacementStored, models.FragmentStored)
		} else {
			t.advancePlacement(pt, models.PlacementFailed, "")
		}

	case protocol.ChunkVerify:
		verified := resp.Success && (pt.expectedHash == "" || resp.Hash == pt.expectedHash)
		if verified {
			t.advancePlacement(pt, models.PlacementVerified, models.FragmentVerified)
			t.maybeUnstage(pt.fragmentID)
		} else {
			t.recordEvent(pt.targetNode, reputation.EventChunkLost, false, 0)
			t.advancePlacement(pt, models.PlacementFailed, "")
		}
	}
}

// expireTransfer records a timeout outcome for a request that never got
// its response and tells the requester.
func (t *Tunnel) expireTransfer(pt *pendingTransfer) {
	now := time.Now()
	var transferType models.TransferType
	switch pt.action {
	case protocol.ChunkStore:
		transferType = models.TransferStore
	case protocol.ChunkRetrieve:
		transferType = models.TransferRetrieve
	default:
		transferType = models.TransferVerify
	}

	rec := &models.PeerConnection{
		ID:           uuid.New().String(),
		SourceID:     pt.sourceID,
		TargetID:     pt.targetNode,
		TransferType: transferType,
		Outcome:      models.OutcomeTimeout,
		LatencyMs:    float64(now.Sub(pt.startedAt)) / float64(time.Millisecond),
		ErrorDetail:  "transfer timed out",
		StartedAt:    pt.startedAt,
		EndedAt:      now,
	}
	if err := t.store.RecordPeerConnection(rec); err != nil {
		t.log.Warn("Failed to record timeout: %v", err)
	}
	if err := t.store.RecordNodeTransfer(pt.targetNode, false, 0, 0); err != nil {
		t.log.Warn("Failed to update node snapshot: %v", err)
	}
	if pt.action == protocol.ChunkRetrieve {
		t.recordEvent(pt.targetNode, reputation.EventChunkRetrieved, false, 0)
	}

	if pt.waiter == nil {
		t.sendError(pt.sourceID, pt.requestID, protocol.CodeTimeout, "transfer timed out")
	}
	t.log.Warn("Transfer %s to %s expired", pt.requestID, pt.targetNode)
}

var fragmentRank = map[models.FragmentStatus]int{
	models.FragmentPending:  0,
	models.FragmentStored:   1,
	models.FragmentVerified: 2,
}

// advancePlacement moves the (fragment, node) placement to the given
// status and advances the fragment, forward only.
func (t *Tunnel) advancePlacement(pt *pendingTransfer, status models.PlacementStatus, fragStatus models.FragmentStatus) {
	if pt.fragmentID == "" {
		return
	}
	placements, err := t.store.PlacementsByFragment(pt.fragmentID)
	if err != nil {
		t.log.Warn("Failed to load placements for %s: %v", pt.fragmentID, err)
		return
	}
	for _, pl := range placements {
		if pl.NodeID != pt.targetNode {
			continue
		}
		if pl.Status == models.PlacementVerified && status != models.PlacementVerified {
			// A verified placement is not demoted by a later failure.
			break
		}
		if err := t.store.UpdatePlacementStatus(pl.ID, status); err != nil {
			t.log.Warn("Failed to update placement %s: %v", pl.ID, err)
		}
		break
	}

	if fragStatus == "" {
		return
	}
	frag, ok := t.store.GetFragment(pt.fragmentID)
	if !ok {
		return
	}
	if fragmentRank[fragStatus] > fragmentRank[frag.Status] {
		if err := t.store.UpdateFragmentStatus(pt.fragmentID, fragStatus); err != nil {
			t.log.Warn("Failed to update fragment %s: %v", pt.fragmentID, err)
		}
	}
}

// maybeUnstage drops the staged ciphertext once every placement of the
// fragment has verified.
func (t *Tunnel) maybeUnstage(fragmentID string) {
	if t.stg == nil || fragmentID == "" {
		return
	}
	placements, err := t.store.PlacementsByFragment(fragmentID)
	if err != nil || len(placements) == 0 {
		return
	}
	for _, pl := range placements {
		if pl.Status != models.PlacementVerified {
			return
		}
	}
	if err := t.stg.Delete(fragmentID); err != nil {
		t.log.Warn("Failed to unstage fragment %s: %v", fragmentID, err)
	}
}

// Request pushes a chunk request to a node on behalf of the coordinator
// and waits for the response. Transfer effects are applied by the
// response handler before this returns.
func (t *Tunnel) Request(ctx context.Context, targetNode string, req *protocol.ChunkRequestPayload) (*protocol.ChunkResponsePayload, error) {
	tp, ok := t.peerByID(targetNode)
	if !ok {
		return nil, ErrPeerNotConnected
	}

	frame, err := protocol.NewFrame(protocol.FrameChunkRequest, req)
	if err != nil {
		return nil, err
	}
	frame.From = protocol.CoordinatorPeerID
	frame.To = targetNode
	frame.RequestID = uuid.New().String()

	pt := &pendingTransfer{
		requestID:    frame.RequestID,
		sourceID:     protocol.CoordinatorPeerID,
		targetNode:   targetNode,
		action:       req.Action,
		fragmentID:   req.FragmentID,
		expectedHash: req.Hash,
		bytesOut:     int64(len(req.Data)),
		startedAt:    time.Now(),
		waiter:       make(chan *protocol.Frame, 1),
	}
	t.mu.Lock()
	t.pending[pt.requestID] = pt
	t.mu.Unlock()

	if !t.sendFrame(tp, frame) {
		t.mu.Lock()
		delete(t.pending, pt.requestID)
		t.mu.Unlock()
		return nil, ErrPeerBusy
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		_, still := t.pending[pt.requestID]
		if still {
			delete(t.pending, pt.requestID)
		}
		t.mu.Unlock()
		if still {
			t.expireTransfer(pt)
		}
		return nil, ctx.Err()

	case respFrame := <-pt.waiter:
		if respFrame.Type == protocol.FrameError {
			var ep protocol.ErrorPayload
			if err := respFrame.DecodePayload(&ep); err != nil {
				return nil, fmt.Errorf("node error")
			}
			return nil, fmt.Errorf("node error %d: %s", ep.Code, ep.Message)
		}
		var resp protocol.ChunkResponsePayload
		if err := respFrame.DecodePayload(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
}
