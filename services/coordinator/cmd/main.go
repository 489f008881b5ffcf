package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p2p-storage/fragment-store/pkg/crypto"
	"github.com/p2p-storage/fragment-store/pkg/erasure"
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/api"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/config"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/distribute"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/stage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/transfer"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/tunnel"
)

func main() {
	cfg := config.Load()

	log.Println("=== Fragment Store - Coordinator ===")

	var store storage.Storage
	var dbType string
	if cfg.PostgresURL != "" {
		log.Println("Using PostgreSQL storage")
		pg, err := storage.NewPostgresStorage(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store = pg
		dbType = "postgresql"
	} else {
		log.Println("Using in-memory storage (data will be lost on restart)")
		store = storage.NewMemoryStorage()
		dbType = "memory"
	}

	master := []byte(cfg.MasterKey)
	if len(master) == 0 {
		generated, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate master key: %v", err)
		}
		master = generated
		log.Println("Warning: MASTER_KEY not set, wrapped file keys will not survive a restart")
	}

	var stg stage.Stage
	if cfg.StageDir != "" {
		ds, err := stage.NewDiskStage(cfg.StageDir)
		if err != nil {
			log.Fatalf("Failed to open stage directory: %v", err)
		}
		stg = ds
		log.Printf("Staging ciphertext under %s", cfg.StageDir)
	} else {
		ms, err := stage.NewMemoryStage(stage.DefaultMemoryEntries)
		if err != nil {
			log.Fatalf("Failed to initialize memory stage: %v", err)
		}
		stg = ms
	}

	coder, err := erasure.NewCoder(cfg.CoderScheme)
	if err != nil {
		log.Fatalf("Invalid coder scheme %q: %v", cfg.CoderScheme, err)
	}
	log.Printf("Erasure coding scheme: %s", cfg.CoderScheme)

	// Scores computed in memory are persisted through the storage backend,
	// so EligibleNodes sees them after a restart.
	rep := reputation.NewEngine()
	rep.SetSink(func(s reputation.Score) {
		if err := store.SaveReputation(&models.ReputationScore{
			NodeID:         s.NodeID,
			Uptime:         s.Uptime,
			ResponseTimeMs: s.ResponseTimeMs,
			TotalStored:    s.TotalStored,
			Successes:      s.Successes,
			Failures:       s.Failures,
			Score:          s.Composite,
			Tier:           string(s.Tier),
			UpdatedAt:      s.UpdatedAt,
		}); err != nil {
			log.Printf("Failed to persist reputation for %s: %v", s.NodeID, err)
		}
	})

	tn := tunnel.New(store, rep, stg, tunnel.Config{JWTSecret: cfg.JWTSecret})
	selector := &distribute.TopReputation{Store: store, MinScore: cfg.MinScore}
	ctrl := distribute.NewController(store, stg, coder, selector, master)
	pusher := transfer.NewPusher(store, stg, tn, transfer.Config{})
	ctrl.SetNotify(pusher.Kick)

	server := api.NewServer(api.Config{
		Addr:      cfg.Addr,
		DBType:    dbType,
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		APIKeys:   cfg.APIKeys,
		RateLimit: cfg.RateLimit,
	}, store, ctrl, rep, tn, pusher)

	go handleShutdown(server, store)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func handleShutdown(server *api.Server, store storage.Storage) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	store.Close()
	os.Exit(0)
}
