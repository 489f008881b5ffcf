package agent

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2p-storage/fragment-store/pkg/crypto"
	"github.com/p2p-storage/fragment-store/pkg/protocol"
	"github.com/p2p-storage/fragment-store/services/node/internal/store"
)

// authedConn is one accepted tunnel connection together with the auth
// request that opened it.
type authedConn struct {
	conn *websocket.Conn
	auth protocol.AuthRequest
}

// fakeCoordinator speaks the coordinator side of the tunnel handshake
// and hands authenticated connections to the test.
type fakeCoordinator struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan authedConn

	// rejectReason, when set, refuses every handshake.
	rejectReason string
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()

	fc := &fakeCoordinator{conns: make(chan authedConn, 4)}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.handle))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCoordinator) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	frame, err := protocol.ParseFrame(data)
	if err != nil || frame.Type != protocol.FrameAuth {
		conn.Close()
		return
	}
	var auth protocol.AuthRequest
	if err := frame.DecodePayload(&auth); err != nil {
		conn.Close()
		return
	}

	if fc.rejectReason != "" {
		reply, _ := protocol.NewFrame(protocol.FrameAuthError, protocol.AuthError{Reason: fc.rejectReason})
		out, _ := reply.Encode()
		conn.WriteMessage(websocket.TextMessage, out)
		conn.Close()
		return
	}

	reply, _ := protocol.NewFrame(protocol.FrameAuthSuccess, protocol.AuthSuccess{
		PeerID:            auth.NodeID,
		HeartbeatInterval: 1,
	})
	out, _ := reply.Encode()
	conn.WriteMessage(websocket.TextMessage, out)

	fc.conns <- authedConn{conn: conn, auth: auth}
}

// accept waits for the next authenticated connection.
func (fc *fakeCoordinator) accept(t *testing.T) authedConn {
	t.Helper()
	select {
	case ac := <-fc.conns:
		return ac
	case <-time.After(3 * time.Second):
		t.Fatal("No tunnel connection arrived")
		return authedConn{}
	}
}

func newTestAgent(t *testing.T, fc *fakeCoordinator, capacity int64) (*Agent, *store.Store) {
	t.Helper()

	st, err := store.New(t.TempDir(), capacity)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	a, err := New(Config{
		CoordinatorURL: fc.server.URL,
		AccountID:      "acct-agent",
		NodeID:         "node-agent",
		Token:          "node-token",
	}, st)
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	t.Cleanup(a.Close)
	return a, st
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame *protocol.Frame) {
	t.Helper()
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives,
// skipping the heartbeats and metric reports the agent emits on its
// own schedule.
func awaitFrame(t *testing.T, conn *websocket.Conn, want protocol.FrameType) *protocol.Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("No %s frame arrived: %v", want, err)
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			t.Fatalf("Coordinator received bad frame: %v", err)
		}
		if frame.Type == want {
			return frame
		}
	}
}

func chunkRequest(t *testing.T, action protocol.ChunkAction, fragmentID, requestID string, data []byte, hash string) *protocol.Frame {
	t.Helper()
	frame, err := protocol.NewFrame(protocol.FrameChunkRequest, protocol.ChunkRequestPayload{
		Action:     action,
		FragmentID: fragmentID,
		Data:       data,
		Hash:       hash,
	})
	if err != nil {
		t.Fatalf("Failed to build chunk request: %v", err)
	}
	frame.From = protocol.CoordinatorPeerID
	frame.To = "node-agent"
	frame.RequestID = requestID
	return frame
}

func TestAgentConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{AccountID: "a", NodeID: "n"}},
		{"missing account", Config{CoordinatorURL: "http://x", NodeID: "n"}},
		{"missing node", Config{CoordinatorURL: "http://x", AccountID: "a"}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, nil); err == nil {
			t.Errorf("Case %q: expected error", tc.name)
		}
	}
}

func TestAgentConnectAndAuth(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)

	if a.IsConnected() {
		t.Error("Expected IsConnected false before Connect")
	}
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !a.IsConnected() {
		t.Error("Expected IsConnected true after Connect")
	}

	ac := fc.accept(t)
	if ac.auth.AccountID != "acct-agent" || ac.auth.NodeID != "node-agent" {
		t.Errorf("Unexpected auth identity: %+v", ac.auth)
	}
	if ac.auth.Token != "node-token" {
		t.Errorf("Expected token to be forwarded, got %q", ac.auth.Token)
	}

	// The first report after the handshake carries the empty store's
	// capacity.
	frame := awaitFrame(t, ac.conn, protocol.FrameNodeMetrics)
	var metrics protocol.NodeMetricsPayload
	if err := frame.DecodePayload(&metrics); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	if metrics.StorageAvailable != 1024 {
		t.Errorf("Expected 1024 bytes available, got %d", metrics.StorageAvailable)
	}
	if metrics.FragmentsStored != 0 {
		t.Errorf("Expected 0 fragments, got %d", metrics.FragmentsStored)
	}
}

func TestAgentAuthRejected(t *testing.T) {
	fc := newFakeCoordinator(t)
	fc.rejectReason = "unknown node"
	a, _ := newTestAgent(t, fc, 1024)

	err := a.Connect()
	if err == nil {
		t.Fatal("Expected Connect to fail")
	}
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("Expected ErrAuthRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown node") {
		t.Errorf("Expected the coordinator's reason in the error, got %v", err)
	}
	if a.IsConnected() {
		t.Error("Expected IsConnected false after rejection")
	}
}

func TestAgentHeartbeatProbeAck(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	probe, err := protocol.NewFrame(protocol.FrameHeartbeat, protocol.HeartbeatPayload{SentAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Failed to build probe: %v", err)
	}
	probe.From = protocol.CoordinatorPeerID
	probe.RequestID = "probe-77"
	sendFrame(t, ac.conn, probe)

	ack := awaitFrame(t, ac.conn, protocol.FrameHeartbeatAck)
	if ack.RequestID != "probe-77" {
		t.Errorf("Expected ack to carry the probe's request ID, got %q", ack.RequestID)
	}
	if ack.To != protocol.CoordinatorPeerID {
		t.Errorf("Expected ack addressed to the coordinator, got %q", ack.To)
	}
}

func TestAgentStoreFragment(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, st := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	data := []byte("encrypted fragment bytes")
	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkStore, "frag-1", "req-1", data, crypto.Hash(data)))

	frame := awaitFrame(t, ac.conn, protocol.FrameChunkResponse)
	var resp protocol.ChunkResponsePayload
	if err := frame.DecodePayload(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Expected store success, got error %q", resp.Error)
	}
	if resp.Action != protocol.ChunkStore || resp.FragmentID != "frag-1" {
		t.Errorf("Unexpected response identity: %+v", resp)
	}
	if frame.RequestID != "req-1" {
		t.Errorf("Expected request ID req-1, got %q", frame.RequestID)
	}
	if frame.To != protocol.CoordinatorPeerID {
		t.Errorf("Expected response addressed to the coordinator, got %q", frame.To)
	}

	if !st.Has("frag-1") {
		t.Error("Expected fragment on disk after store")
	}

	// A fresh capacity report follows every successful store.
	metrics := awaitFrame(t, ac.conn, protocol.FrameNodeMetrics)
	var mp protocol.NodeMetricsPayload
	if err := metrics.DecodePayload(&mp); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	if mp.FragmentsStored != 1 {
		t.Errorf("Expected 1 fragment reported, got %d", mp.FragmentsStored)
	}
	if mp.StorageAvailable != 1024-int64(len(data)) {
		t.Errorf("Expected %d bytes available, got %d", 1024-int64(len(data)), mp.StorageAvailable)
	}
}

func TestAgentStoreHashMismatch(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, st := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkStore, "frag-bad", "req-2", []byte("tampered"), crypto.Hash([]byte("original"))))

	frame := awaitFrame(t, ac.conn, protocol.FrameError)
	var ep protocol.ErrorPayload
	if err := frame.DecodePayload(&ep); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ep.Code != protocol.CodeHashMismatch {
		t.Errorf("Expected code %d, got %d", protocol.CodeHashMismatch, ep.Code)
	}
	if frame.RequestID != "req-2" {
		t.Errorf("Expected request ID req-2, got %q", frame.RequestID)
	}
	if st.Has("frag-bad") {
		t.Error("Refused fragment must not reach disk")
	}
}

func TestAgentStoreCapacityExceeded(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 10)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	data := []byte("far larger than ten bytes")
	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkStore, "frag-big", "req-3", data, crypto.Hash(data)))

	frame := awaitFrame(t, ac.conn, protocol.FrameError)
	var ep protocol.ErrorPayload
	if err := frame.DecodePayload(&ep); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ep.Code != protocol.CodeStorageFull {
		t.Errorf("Expected code %d, got %d", protocol.CodeStorageFull, ep.Code)
	}
}

func TestAgentRetrieveFragment(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, st := newTestAgent(t, fc, 1024)

	data := []byte("fragment held before connect")
	if err := st.Put("frag-held", data); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkRetrieve, "frag-held", "req-4", nil, ""))

	frame := awaitFrame(t, ac.conn, protocol.FrameChunkResponse)
	var resp protocol.ChunkResponsePayload
	if err := frame.DecodePayload(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Expected retrieve success, got error %q", resp.Error)
	}
	if string(resp.Data) != string(data) {
		t.Errorf("Expected fragment bytes back, got %d bytes", len(resp.Data))
	}
	if resp.Hash != crypto.Hash(data) {
		t.Errorf("Expected hash of the stored bytes, got %q", resp.Hash)
	}
}

func TestAgentRetrieveMissing(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkRetrieve, "frag-gone", "req-5", nil, ""))

	frame := awaitFrame(t, ac.conn, protocol.FrameError)
	var ep protocol.ErrorPayload
	if err := frame.DecodePayload(&ep); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ep.Code != protocol.CodeNotFound {
		t.Errorf("Expected code %d, got %d", protocol.CodeNotFound, ep.Code)
	}
}

func TestAgentVerifyReportsDiskHash(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, st := newTestAgent(t, fc, 1024)

	data := []byte("bytes under custody check")
	if err := st.Put("frag-audit", data); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	sendFrame(t, ac.conn, chunkRequest(t, protocol.ChunkVerify, "frag-audit", "req-6", nil, crypto.Hash(data)))

	frame := awaitFrame(t, ac.conn, protocol.FrameChunkResponse)
	var resp protocol.ChunkResponsePayload
	if err := frame.DecodePayload(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Expected verify success, got error %q", resp.Error)
	}
	if resp.Hash != crypto.Hash(data) {
		t.Errorf("Expected the on-disk hash, got %q", resp.Hash)
	}
	if len(resp.Data) != 0 {
		t.Error("Verify must not ship fragment bytes")
	}
}

func TestAgentUnknownActionRejected(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ac := fc.accept(t)

	sendFrame(t, ac.conn, chunkRequest(t, "explode", "frag-x", "req-7", nil, ""))

	frame := awaitFrame(t, ac.conn, protocol.FrameError)
	var ep protocol.ErrorPayload
	if err := frame.DecodePayload(&ep); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if ep.Code != protocol.CodeInvalidFrame {
		t.Errorf("Expected code %d, got %d", protocol.CodeInvalidFrame, ep.Code)
	}
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := fc.accept(t)
	first.conn.Close()

	// The first retry fires immediately; backoff only grows between
	// failed attempts.
	second := fc.accept(t)
	if second.auth.NodeID != "node-agent" {
		t.Errorf("Expected the same node to re-authenticate, got %q", second.auth.NodeID)
	}

	frame := awaitFrame(t, second.conn, protocol.FrameNodeMetrics)
	var metrics protocol.NodeMetricsPayload
	if err := frame.DecodePayload(&metrics); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	if metrics.StorageAvailable != 1024 {
		t.Errorf("Expected a fresh capacity report after reconnect, got %d", metrics.StorageAvailable)
	}
}

func TestAgentCloseStopsReconnect(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, _ := newTestAgent(t, fc, 1024)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fc.accept(t)

	a.Close()
	if a.IsConnected() {
		t.Error("Expected IsConnected false after Close")
	}

	select {
	case <-fc.conns:
		t.Error("Closed agent must not redial")
	case <-time.After(500 * time.Millisecond):
	}
}
