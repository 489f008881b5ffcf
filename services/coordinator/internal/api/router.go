package api

import (
	"context"
	"net/http"
	"time"

	"github.com/p2p-storage/fragment-store/pkg/logger"
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/distribute"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/transfer"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/tunnel"
)

const Version = "1.0.0"

// Config carries the server's own settings; the heavier dependencies are
// constructed by the caller and passed to NewServer.
type Config struct {
	Addr      string
	DBType    string // "memory" or "postgresql", for health reporting
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
	APIKeys   []string

	// RateLimit overrides the general-traffic requests-per-second
	// bucket; zero keeps the default.
	RateLimit float64
}

// Server is the coordinator's HTTP surface: the REST API, the relay
// endpoint, health checks, and metrics.
type Server struct {
	cfg           Config
	storage       storage.Storage
	handler       *Handler
	tunnel        *tunnel.Tunnel
	pusher        *transfer.Pusher
	jwtManager    *JWTManager
	rateLimiter   *EndpointRateLimiter
	healthChecker *HealthChecker
	log           *logger.Logger
	httpServer    *http.Server
	bgDone        chan struct{}
}

// NewServer assembles the HTTP server around already-wired components.
func NewServer(cfg Config, store storage.Storage, ctrl *distribute.Controller, rep *reputation.Engine, tn *tunnel.Tunnel, pusher *transfer.Pusher) *Server {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "fragment-coordinator"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Server{
		cfg:           cfg,
		storage:       store,
		handler:       NewHandler(store, ctrl, rep),
		tunnel:        tn,
		pusher:        pusher,
		jwtManager:    NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL),
		rateLimiter:   NewEndpointRateLimiter(cfg.RateLimit),
		healthChecker: NewHealthChecker(Version, store, cfg.DBType),
		log:           logger.New("API"),
		bgDone:        make(chan struct{}),
	}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Auth
	mux.HandleFunc("POST /api/auth/login", s.jwtManager.HandleLogin(s.cfg.APIKeys))

	// Node endpoints
	mux.HandleFunc("POST /api/nodes/register", s.handler.RegisterNode)
	mux.HandleFunc("GET /api/nodes/top", s.handler.TopNodes)
	mux.HandleFunc("GET /api/nodes/{node_id}", s.handler.GetNode)
	mux.HandleFunc("GET /api/nodes/{node_id}/reputation", s.handler.NodeReputation)
	mux.HandleFunc("POST /api/nodes/{node_id}/maintenance", s.handler.NodeMaintenance)

	// File endpoints
	mux.HandleFunc("POST /api/files/{file_id}/distribute", s.handler.DistributeFile)
	mux.HandleFunc("GET /api/files/{file_id}", s.handler.RetrieveFile)
	mux.HandleFunc("GET /api/files/{file_id}/status", s.handler.FileStatus)

	// Relay endpoint; peers authenticate inside the tunnel handshake.
	mux.HandleFunc("GET /tunnel", s.tunnel.HandleWS)

	// Health check (simple for k8s probes)
	mux.HandleFunc("GET /health", s.healthChecker.SimpleHandler())
	mux.HandleFunc("GET /health/detailed", s.healthChecker.DetailedHandler(s.collectStats))

	// Prometheus metrics
	mux.Handle("GET /metrics", MetricsHandler())

	return mux
}

// collectStats gathers the figures for /health/detailed and the gauges.
func (s *Server) collectStats() CoordinatorStats {
	online, total, files := s.storage.Stats()
	clients, nodes := s.tunnel.Population()
	push := s.pusher.Snapshot()
	return CoordinatorStats{
		NodesOnline:      online,
		NodesTotal:       total,
		FilesTracked:     files,
		TunnelClients:    clients,
		TunnelNodes:      nodes,
		PlacementsStored: push.Stored,
		PlacementsFailed: push.Failed,
	}
}

// StartBackground refreshes the Prometheus gauges on an interval.
func (s *Server) StartBackground(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := s.collectStats()
				UpdateNodeGauges(stats.NodesOnline, stats.NodesTotal)
				UpdateFileGauge(stats.FilesTracked)
				UpdateRelayGauges(stats.TunnelClients, stats.TunnelNodes)
				push := s.pusher.Snapshot()
				UpdatePusherGauges(push.Stored, push.Verified, push.Failed)
			case <-s.bgDone:
				return
			}
		}
	}()
}

// Run starts the relay, the pusher, and the HTTP server. It blocks until
// the server stops.
func (s *Server) Run() error {
	mux := s.SetupRoutes()

	s.tunnel.Start()
	s.pusher.Start()
	s.StartBackground(30 * time.Second)

	// Middlewares: metrics outermost so throttled requests count too.
	var handler http.Handler = mux
	handler = s.jwtManager.JWTMiddleware(handler)
	handler = s.rateLimiter.Middleware(handler)
	handler = PrometheusMiddleware(handler)

	s.log.Info("Starting coordinator on %s (version %s)", s.cfg.Addr, Version)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops background work and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.bgDone)
	s.pusher.Stop()
	s.tunnel.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
