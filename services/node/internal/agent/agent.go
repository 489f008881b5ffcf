// Package agent maintains a storage node's tunnel connection to the
// coordinator: the auth handshake, heartbeats, capacity reports, and
// chunk serving from the local fragment store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2p-storage/fragment-store/pkg/crypto"
	"github.com/p2p-storage/fragment-store/pkg/logger"
	"github.com/p2p-storage/fragment-store/pkg/protocol"
	"github.com/p2p-storage/fragment-store/pkg/throttle"
	"github.com/p2p-storage/fragment-store/services/node/internal/store"
)

// ErrAuthRejected means the coordinator refused the handshake. The agent
// does not retry past it; the credentials or node registration need
// operator attention.
var ErrAuthRejected = errors.New("agent: authentication rejected")

const (
	maxFrameBytes = 8 * 1024 * 1024
	readWait      = 120 * time.Second
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	dialTimeout   = 10 * time.Second
)

// Fragments is the slice of the fragment store the agent serves from.
type Fragments interface {
	Put(fragmentID string, data []byte) error
	Get(fragmentID string) ([]byte, error)
	Available() int64
	Count() int
}

// Config identifies the node and tunes the agent's reporting.
type Config struct {
	CoordinatorURL string
	AccountID      string
	NodeID         string
	Token          string

	// UploadRate caps outbound fragment bytes per second, zero for
	// unlimited.
	UploadRate int64

	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 60 * time.Second
	}
	return c
}

// Agent is the node-side end of the tunnel.
type Agent struct {
	cfg     Config
	frags   Fragments
	log     *logger.Logger
	limiter *throttle.Limiter

	mu            sync.RWMutex
	conn          *websocket.Conn
	connDone      chan struct{}
	connected     bool
	closing       bool
	heartbeatSecs int

	send        chan []byte
	reconnectCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an agent for a registered node.
func New(cfg Config, frags Fragments) (*Agent, error) {
	if cfg.CoordinatorURL == "" {
		return nil, errors.New("agent: coordinator URL required")
	}
	if cfg.AccountID == "" {
		return nil, errors.New("agent: account ID required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("agent: node ID required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:           cfg.withDefaults(),
		frags:         frags,
		log:           logger.New("Agent"),
		limiter:       throttle.NewLimiter(cfg.UploadRate, 0),
		heartbeatSecs: 30,
		send:          make(chan []byte, 64),
		reconnectCh:   make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Connect dials the coordinator and authenticates. On success the agent
// keeps itself connected until Close, reconnecting with backoff.
func (a *Agent) Connect() error {
	if err := a.doConnect(); err != nil {
		return err
	}

	go a.reconnectLoop()
	go a.heartbeatLoop()
	go a.metricsLoop()

	return nil
}

func (a *Agent) doConnect() error {
	u, err := url.Parse(a.cfg.CoordinatorURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/tunnel"

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("tunnel connect failed: %w", err)
	}

	if err := a.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.connDone = done
	a.connected = true
	a.mu.Unlock()

	go a.readPump(conn)
	go a.writePump(conn, done)

	a.sendMetrics()
	a.log.Info("Connected to %s as node %s", u.String(), a.cfg.NodeID)
	return nil
}

// authenticate sends the auth frame and waits for the verdict.
func (a *Agent) authenticate(conn *websocket.Conn) error {
	frame, err := protocol.NewFrame(protocol.FrameAuth, protocol.AuthRequest{
		AccountID: a.cfg.AccountID,
		NodeID:    a.cfg.NodeID,
		Token:     a.cfg.Token,
	})
	if err != nil {
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("no auth reply: %w", err)
	}
	replyFrame, err := protocol.ParseFrame(reply)
	if err != nil {
		return err
	}

	switch replyFrame.Type {
	case protocol.FrameAuthSuccess:
		var ok protocol.AuthSuccess
		if err := replyFrame.DecodePayload(&ok); err != nil {
			return err
		}
		a.mu.Lock()
		if ok.HeartbeatInterval > 0 {
			a.heartbeatSecs = ok.HeartbeatInterval
		}
		a.mu.Unlock()
		return nil

	case protocol.FrameAuthError:
		var ae protocol.AuthError
		if err := replyFrame.DecodePayload(&ae); err != nil {
			return ErrAuthRejected
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, ae.Reason)

	default:
		return fmt.Errorf("unexpected %s frame during auth", replyFrame.Type)
	}
}

// reconnectLoop re-dials after a dropped connection with growing backoff.
// An auth rejection stops the agent instead of hammering the coordinator.
func (a *Agent) reconnectLoop() {
	for {
		select {
		case <-a.reconnectCh:
			if a.isClosing() {
				return
			}

			backoff := 5 * time.Second
			maxBackoff := 60 * time.Second

			for attempt := 1; ; attempt++ {
				a.log.Info("Reconnecting (attempt %d)...", attempt)

				err := a.doConnect()
				if err == nil {
					a.log.Info("Reconnected")
					break
				}
				if errors.Is(err, ErrAuthRejected) {
					a.log.Error("Giving up: %v", err)
					return
				}
				a.log.Warn("Reconnect failed: %v", err)

				select {
				case <-time.After(backoff):
				case <-a.ctx.Done():
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}

		case <-a.ctx.Done():
			return
		}
	}
}

// Close shuts the agent down permanently.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closing = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	if a.connDone != nil {
		close(a.connDone)
		a.connDone = nil
	}
	a.mu.Unlock()

	a.cancel()
	if conn != nil {
		conn.Close()
	}
}

// disconnect tears down one connection and schedules a reconnect. Pumps
// of an already-replaced connection return without side effects.
func (a *Agent) disconnect(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	if a.connDone != nil {
		close(a.connDone)
		a.connDone = nil
	}
	closing := a.closing
	a.mu.Unlock()

	conn.Close()
	if closing {
		return
	}

	a.log.Warn("Connection lost, scheduling reconnect")
	select {
	case a.reconnectCh <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the tunnel is currently up.
func (a *Agent) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Agent) isClosing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closing
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Duration(a.heartbeatSecs) * time.Second
}

func (a *Agent) readPump(conn *websocket.Conn) {
	defer a.disconnect(conn)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.log.Warn("Read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			a.log.Warn("Dropping bad frame: %v", err)
			continue
		}
		a.handleFrame(frame)
	}
}

func (a *Agent) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.disconnect(conn)
	}()

	for {
		select {
		case message, ok := <-a.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				a.log.Warn("Write error: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-a.ctx.Done():
			return
		}
	}
}

// enqueue queues a frame for the write pump.
func (a *Agent) enqueue(frame *protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		a.log.Error("Failed to encode %s frame: %v", frame.Type, err)
		return
	}
	select {
	case a.send <- data:
	case <-a.ctx.Done():
	}
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.IsConnected() {
				hb, err := protocol.NewFrame(protocol.FrameHeartbeat, protocol.HeartbeatPayload{SentAt: time.Now().UTC()})
				if err == nil {
					a.enqueue(hb)
				}
			}
			ticker.Reset(a.heartbeatInterval())

		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) metricsLoop() {
	ticker := time.NewTicker(a.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.IsConnected() {
				a.sendMetrics()
			}

		case <-a.ctx.Done():
			return
		}
	}
}

// sendMetrics reports the store's capacity snapshot.
func (a *Agent) sendMetrics() {
	frame, err := protocol.NewFrame(protocol.FrameNodeMetrics, protocol.NodeMetricsPayload{
		StorageAvailable: a.frags.Available(),
		FragmentsStored:  a.frags.Count(),
	})
	if err != nil {
		return
	}
	a.enqueue(frame)
}

func (a *Agent) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameHeartbeat:
		// Server probe; the ack carries the probe's request ID so the
		// coordinator can turn it into a round-trip measurement.
		ack, err := protocol.NewFrame(protocol.FrameHeartbeatAck, protocol.HeartbeatPayload{SentAt: time.Now().UTC()})
		if err != nil {
			return
		}
		ack.To = frame.From
		ack.RequestID = frame.RequestID
		a.enqueue(ack)

	case protocol.FrameHeartbeatAck:
		a.log.Debug("Heartbeat acknowledged")

	case protocol.FrameChunkRequest:
		a.handleChunk(frame)

	case protocol.FrameError:
		var ep protocol.ErrorPayload
		if err := frame.DecodePayload(&ep); err == nil {
			a.log.Warn("Coordinator error %d: %s", ep.Code, ep.Message)
		}

	default:
		a.log.Debug("Ignoring %s frame", frame.Type)
	}
}

func (a *Agent) handleChunk(frame *protocol.Frame) {
	var req protocol.ChunkRequestPayload
	if err := frame.DecodePayload(&req); err != nil {
		a.sendError(frame, protocol.CodeInvalidFrame, "malformed chunk request")
		return
	}

	switch req.Action {
	case protocol.ChunkStore:
		a.handleStore(frame, &req)
	case protocol.ChunkRetrieve:
		a.handleRetrieve(frame, &req)
	case protocol.ChunkVerify:
		a.handleVerify(frame, &req)
	default:
		a.sendError(frame, protocol.CodeInvalidFrame, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// handleStore verifies the payload hash before anything touches disk, so
// a corrupted transfer never occupies capacity.
func (a *Agent) handleStore(frame *protocol.Frame, req *protocol.ChunkRequestPayload) {
	if len(req.Data) == 0 {
		a.sendError(frame, protocol.CodeInvalidFrame, "store request without data")
		return
	}
	if req.Hash != "" && !crypto.VerifyHash(req.Data, req.Hash) {
		a.log.Warn("Hash mismatch for fragment %s, refusing", req.FragmentID)
		a.sendError(frame, protocol.CodeHashMismatch, "fragment hash mismatch")
		return
	}

	if err := a.frags.Put(req.FragmentID, req.Data); err != nil {
		if errors.Is(err, store.ErrStorageFull) {
			a.sendError(frame, protocol.CodeStorageFull, "node capacity exceeded")
		} else {
			a.sendError(frame, protocol.CodeInvalidFrame, err.Error())
		}
		return
	}

	a.log.Info("Stored fragment %s (%d bytes)", req.FragmentID, len(req.Data))
	a.respond(frame, &protocol.ChunkResponsePayload{
		Action:     protocol.ChunkStore,
		FragmentID: req.FragmentID,
		Success:    true,
	})
	a.sendMetrics()
}

func (a *Agent) handleRetrieve(frame *protocol.Frame, req *protocol.ChunkRequestPayload) {
	data, err := a.frags.Get(req.FragmentID)
	if err != nil {
		a.sendError(frame, protocol.CodeNotFound, "fragment not held here")
		return
	}

	// Outbound fragment bytes are paced so serving retrievals cannot
	// saturate the node's uplink.
	if err := a.limiter.Wait(a.ctx, int64(len(data))); err != nil {
		return
	}

	a.respond(frame, &protocol.ChunkResponsePayload{
		Action:     protocol.ChunkRetrieve,
		FragmentID: req.FragmentID,
		Success:    true,
		Data:       data,
		Hash:       crypto.Hash(data),
	})
}

// handleVerify answers with the hash of what is actually on disk; the
// coordinator decides whether that counts as custody.
func (a *Agent) handleVerify(frame *protocol.Frame, req *protocol.ChunkRequestPayload) {
	data, err := a.frags.Get(req.FragmentID)
	if err != nil {
		a.sendError(frame, protocol.CodeNotFound, "fragment not held here")
		return
	}

	a.respond(frame, &protocol.ChunkResponsePayload{
		Action:     protocol.ChunkVerify,
		FragmentID: req.FragmentID,
		Success:    true,
		Hash:       crypto.Hash(data),
	})
}

func (a *Agent) respond(frame *protocol.Frame, resp *protocol.ChunkResponsePayload) {
	out, err := protocol.NewFrame(protocol.FrameChunkResponse, resp)
	if err != nil {
		return
	}
	out.To = frame.From
	out.RequestID = frame.RequestID
	a.enqueue(out)
}

func (a *Agent) sendError(frame *protocol.Frame, code int, message string) {
	out, err := protocol.NewFrame(protocol.FrameError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	out.To = frame.From
	out.RequestID = frame.RequestID
	a.enqueue(out)
}
