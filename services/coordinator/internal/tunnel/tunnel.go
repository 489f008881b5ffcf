// Package tunnel relays fragment traffic between clients and storage
// nodes over websocket connections. Every peer authenticates before any
// frame is forwarded; transfer outcomes observed here drive placement
// status, the transfer log, and node reputation.
package tunnel

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/p2p-storage/fragment-store/pkg/logger"
	"github.com/p2p-storage/fragment-store/pkg/protocol"
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/stage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
)

const (
	maxFrameBytes = 8 * 1024 * 1024
	readWait      = 120 * time.Second
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
)

var (
	// ErrPeerNotConnected is returned when the target of a push has no
	// live tunnel connection.
	ErrPeerNotConnected = errors.New("peer not connected")

	// ErrPeerBusy is returned when the target's send buffer is full.
	ErrPeerBusy = errors.New("peer send buffer full")

	// ErrAuthentication covers every handshake failure. The peer sees an
	// auth_error frame with a short reason; the wrapped detail stays in
	// the coordinator's logs.
	ErrAuthentication = errors.New("authentication failed")
)

// Config tunes the tunnel's timers and gates. Zero values fall back to
// the defaults.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration
	MinReputation     float64
	DiscoveryLimit    int
	DiscoveryCap      int

	// JWTSecret, when set, makes the tunnel validate auth tokens and take
	// the account from the token claims.
	JWTSecret string
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MinReputation <= 0 {
		c.MinReputation = reputation.ReliableScore
	}
	if c.DiscoveryLimit <= 0 {
		c.DiscoveryLimit = 16
	}
	if c.DiscoveryCap <= 0 {
		c.DiscoveryCap = 50
	}
	return c
}

// peer is one live websocket connection.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// peerMeta is what the tunnel knows about an authenticated peer.
type peerMeta struct {
	accountID  string
	nodeID     string // empty for client peers
	lastActive time.Time
}

// pendingTransfer tracks an in-flight chunk request until its response
// or expiry.
type pendingTransfer struct {
	requestID    string
	sourceID     string
	targetNode   string
	action       protocol.ChunkAction
	fragmentID   string
	expectedHash string
	bytesOut     int64
	startedAt    time.Time

	// waiter receives the response for coordinator-originated requests;
	// nil for relayed ones.
	waiter chan *protocol.Frame
}

// probe tracks a server-pushed heartbeat so the ack yields a round trip.
type probe struct {
	nodeID string
	sentAt time.Time
}

// Tunnel owns the connection and metadata maps; all mutation happens in
// its handlers under its mutex.
type Tunnel struct {
	store storage.Storage
	rep   *reputation.Engine
	stg   stage.Stage
	cfg   Config
	log   *logger.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*peer
	meta    map[string]*peerMeta
	pending map[string]*pendingTransfer
	probes  map[string]probe

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tunnel. stg may be nil when no ciphertext staging is in
// play (pure relay deployments).
func New(store storage.Storage, rep *reputation.Engine, stg stage.Stage, cfg Config) *Tunnel {
	return &Tunnel{
		store: store,
		rep:   rep,
		stg:   stg,
		cfg:   cfg.withDefaults(),
		log:   logger.New("Tunnel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*peer),
		meta:    make(map[string]*peerMeta),
		pending: make(map[string]*pendingTransfer),
		probes:  make(map[string]probe),
		done:    make(chan struct{}),
	}
}

// Start launches the health sweep loop.
func (t *Tunnel) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
	t.log.Info("Started (sweep every %s, idle timeout %s)", t.cfg.SweepInterval, t.cfg.IdleTimeout)
}

// Stop ends the sweep loop and closes every connection. The read pumps
// handle their own unregistration.
func (t *Tunnel) Stop() {
	close(t.done)
	t.wg.Wait()

	t.mu.RLock()
	conns := make([]*peer, 0, len(t.conns))
	for _, p := range t.conns {
		conns = append(conns, p)
	}
	t.mu.RUnlock()

	for _, p := range conns {
		p.conn.Close()
	}
	t.log.Info("Stopped")
}

// HandleWS upgrades the HTTP request and runs the auth handshake. The
// first frame must be an auth frame within the auth timeout.
func (t *Tunnel) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("Upgrade failed: %v", err)
		return
	}
	t.handshake(conn)
}

func (t *Tunnel) handshake(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(t.cfg.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil || frame.Type != protocol.FrameAuth {
		t.rejectAuth(conn, "first frame must be auth")
		return
	}
	var req protocol.AuthRequest
	if err := frame.DecodePayload(&req); err != nil {
		t.rejectAuth(conn, "malformed auth payload")
		return
	}

	accountID := req.AccountID
	if t.cfg.JWTSecret != "" && req.Token != "" {
		claimed, err := t.accountFromToken(req.Token)
		if err != nil {
			t.log.Debug("Token rejected: %v", err)
			t.rejectAuth(conn, "invalid token")
			return
		}
		accountID = claimed
	}
	if accountID == "" {
		t.rejectAuth(conn, "account_id required")
		return
	}

	peerID := req.NodeID
	nodeID := ""
	if req.NodeID != "" {
		node, ok := t.store.GetNode(req.NodeID)
		if !ok {
			t.rejectAuth(conn, "unknown node")
			return
		}
		if node.AccountID != accountID {
			t.rejectAuth(conn, "node does not belong to account")
			return
		}
		nodeID = node.ID
	} else {
		peerID = "client-" + uuid.New().String()
	}

	p := &peer{id: peerID, conn: conn, send: make(chan []byte, 256)}
	t.register(p, accountID, nodeID)

	if nodeID != "" {
		if err := t.store.UpdateNodeStatus(nodeID, models.NodeOnline); err != nil {
			t.log.Warn("Failed to mark node %s online: %v", nodeID, err)
		}
	}

	ack, _ := protocol.NewFrame(protocol.FrameAuthSuccess, protocol.AuthSuccess{
		PeerID:            peerID,
		HeartbeatInterval: int(t.cfg.HeartbeatInterval.Seconds()),
	})
	ack.To = peerID
	t.sendFrame(p, ack)

	go t.writePump(p)
	go t.readPump(p)
}

func (t *Tunnel) rejectAuth(conn *websocket.Conn, reason string) {
	frame, _ := protocol.NewFrame(protocol.FrameAuthError, protocol.AuthError{Reason: reason})
	if data, err := frame.Encode(); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.Close()
}

func (t *Tunnel) accountFromToken(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return []byte(t.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !token.Valid {
		return "", ErrAuthentication
	}
	account, _ := claims["account_id"].(string)
	if account == "" {
		return "", fmt.Errorf("%w: token has no account claim", ErrAuthentication)
	}
	return account, nil
}

func (t *Tunnel) register(p *peer, accountID, nodeID string) {
	t.mu.Lock()
	if existing, ok := t.conns[p.id]; ok {
		close(existing.send)
		existing.conn.Close()
	}
	t.conns[p.id] = p
	t.meta[p.id] = &peerMeta{accountID: accountID, nodeID: nodeID, lastActive: time.Now()}
	total := len(t.conns)
	t.mu.Unlock()

	t.log.Info("Peer connected: %s (total %d)", p.id, total)
}

func (t *Tunnel) unregister(p *peer) {
	t.mu.Lock()
	existing, ok := t.conns[p.id]
	if !ok || existing != p {
		t.mu.Unlock()
		return
	}
	nodeID := t.meta[p.id].nodeID
	delete(t.conns, p.id)
	delete(t.meta, p.id)
	close(p.send)
	total := len(t.conns)
	t.mu.Unlock()

	if nodeID != "" {
		if err := t.store.UpdateNodeStatus(nodeID, models.NodeOffline); err != nil {
			t.log.Warn("Failed to mark node %s offline: %v", nodeID, err)
		}
	}
	t.log.Info("Peer disconnected: %s (total %d)", p.id, total)
}

func (t *Tunnel) readPump(p *peer) {
	defer func() {
		t.unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	p.conn.SetReadDeadline(time.Now().Add(readWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.log.Warn("Read error from %s: %v", p.id, err)
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			// Malformed frames are dropped, the connection stays up.
			t.log.Warn("Dropping bad frame from %s: %v", p.id, err)
			continue
		}

		frame.From = p.id
		frame.Timestamp = time.Now().UTC()
		t.touch(p.id)
		t.dispatch(p, frame)
	}
}

func (t *Tunnel) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Tunnel) touch(peerID string) {
	t.mu.Lock()
	if m, ok := t.meta[peerID]; ok {
		m.lastActive = time.Now()
	}
	t.mu.Unlock()
}

func (t *Tunnel) peerByID(id string) (*peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.conns[id]
	return p, ok
}

// sendFrame queues a frame on the peer's send channel without blocking.
func (t *Tunnel) sendFrame(p *peer, frame *protocol.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		t.log.Error("Failed to encode %s frame: %v", frame.Type, err)
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		t.log.Warn("Send buffer full for %s, dropping %s frame", p.id, frame.Type)
		return false
	}
}

func (t *Tunnel) sendError(peerID, requestID string, code int, message string) {
	p, ok := t.peerByID(peerID)
	if !ok {
		return
	}
	frame, err := protocol.NewFrame(protocol.FrameError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	frame.To = peerID
	frame.RequestID = requestID
	t.sendFrame(p, frame)
}

// ConnectedPeers returns the IDs of all authenticated peers.
func (t *Tunnel) ConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

// IsConnected reports whether a peer has a live tunnel connection.
func (t *Tunnel) IsConnected(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[peerID]
	return ok
}

// Population counts connected client and node peers.
func (t *Tunnel) Population() (clients, nodes int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.meta {
		if m.nodeID != "" {
			nodes++
		} else {
			clients++
		}
	}
	return clients, nodes
}

func (t *Tunnel) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep evicts idle peers, expires stale transfers, and pushes a
// heartbeat probe to every live node connection.
func (t *Tunnel) sweep() {
	now := time.Now()
	cutoff := now.Add(-t.cfg.IdleTimeout)

	type liveNode struct {
		p      *peer
		nodeID string
	}

	t.mu.Lock()
	var stale []*peer
	var staleNodes []string
	var probes []liveNode
	for id, p := range t.conns {
		m := t.meta[id]
		if m.lastActive.Before(cutoff) {
			stale = append(stale, p)
			if m.nodeID != "" {
				staleNodes = append(staleNodes, m.nodeID)
			}
			continue
		}
		if m.nodeID != "" {
			probes = append(probes, liveNode{p: p, nodeID: m.nodeID})
		}
	}

	var expired []*pendingTransfer
	for id, pt := range t.pending {
		if now.Sub(pt.startedAt) > t.cfg.RequestTimeout {
			expired = append(expired, pt)
			delete(t.pending, id)
		}
	}

	for id, pr := range t.probes {
		if now.Sub(pr.sentAt) > 2*t.cfg.SweepInterval {
			delete(t.probes, id)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		t.log.Info("Evicting idle peer %s", p.id)
		p.conn.Close()
	}
	for _, nodeID := range staleNodes {
		if err := t.store.UpdateNodeStatus(nodeID, models.NodeOffline); err != nil {
			t.log.Warn("Failed to mark node %s offline: %v", nodeID, err)
		}
		t.recordEvent(nodeID, reputation.EventUptimeCheck, false, 0)
	}
	for _, pt := range expired {
		t.expireTransfer(pt)
	}
	for _, ln := range probes {
		t.pushHeartbeat(ln.p, ln.nodeID)
	}
}

func (t *Tunnel) pushHeartbeat(p *peer, nodeID string) {
	frame, err := protocol.NewFrame(protocol.FrameHeartbeat, protocol.HeartbeatPayload{SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	frame.To = p.id
	frame.RequestID = uuid.New().String()

	t.mu.Lock()
	t.probes[frame.RequestID] = probe{nodeID: nodeID, sentAt: time.Now()}
	t.mu.Unlock()

	t.sendFrame(p, frame)
}

func (t *Tunnel) recordEvent(nodeID string, typ reputation.EventType, successful bool, responseTimeMs float64) {
	if _, err := t.rep.RecordEvent(reputation.Event{
		NodeID:         nodeID,
		Type:           typ,
		Successful:     successful,
		ResponseTimeMs: responseTimeMs,
	}); err != nil {
		t.log.Warn("Reputation event %s for %s failed: %v", typ, nodeID, err)
	}
}
