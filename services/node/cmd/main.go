package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/p2p-storage/fragment-store/services/node/internal/agent"
	"github.com/p2p-storage/fragment-store/services/node/internal/client"
	"github.com/p2p-storage/fragment-store/services/node/internal/store"
)

const defaultCapacity = 10 * 1024 * 1024 * 1024 // 10 GB

func main() {
	log.Println("=== Fragment Store - Storage Node ===")

	coordinatorURL := flag.String("coordinator", envOr("COORDINATOR_URL", "http://localhost:8080"), "Coordinator base URL")
	accountID := flag.String("account", os.Getenv("ACCOUNT_ID"), "Owning account ID")
	nodeID := flag.String("node", os.Getenv("NODE_ID"), "Node ID (empty to register on first run)")
	token := flag.String("token", os.Getenv("NODE_TOKEN"), "Bearer token for the tunnel handshake")
	apiKey := flag.String("api-key", os.Getenv("API_KEY"), "Account API key, used to log in when no token is given")
	dataDir := flag.String("data", envOr("DATA_DIR", "./node-data"), "Fragment storage directory")
	capacity := flag.Int64("capacity", defaultCapacity, "Storage capacity in bytes")
	uploadRate := flag.Int64("upload-rate", 0, "Outbound bytes per second, 0 for unlimited")
	geolocation := flag.String("geo", os.Getenv("GEOLOCATION"), "Optional node location label")
	flag.Parse()

	if *accountID == "" {
		log.Fatal("Account ID is required (-account or ACCOUNT_ID)")
	}

	st, err := store.New(*dataDir, *capacity)
	if err != nil {
		log.Fatalf("Failed to open fragment store: %v", err)
	}
	log.Printf("Fragment store: %s (%d/%d bytes used, %d fragments)",
		*dataDir, st.Used(), *capacity, st.Count())

	authToken := *token
	cc := client.New(*coordinatorURL)
	if authToken == "" && *apiKey != "" {
		authToken, err = cc.Login(*accountID, *apiKey)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
		log.Println("Logged in with account API key")
	}
	cc.SetToken(authToken)

	// The node ID survives restarts in a marker file next to the
	// fragments. First run registers through the REST API.
	id := *nodeID
	idFile := filepath.Join(*dataDir, "node-id")
	if id == "" {
		if raw, err := os.ReadFile(idFile); err == nil {
			id = strings.TrimSpace(string(raw))
		}
	}
	if id == "" {
		id, err = cc.RegisterNode(*accountID, *capacity, *geolocation)
		if err != nil {
			log.Fatalf("Node registration failed: %v", err)
		}
		if err := os.WriteFile(idFile, []byte(id+"\n"), 0644); err != nil {
			log.Printf("Warning: could not persist node ID: %v", err)
		}
		log.Printf("Registered as node %s", id)
	}

	a, err := agent.New(agent.Config{
		CoordinatorURL: *coordinatorURL,
		AccountID:      *accountID,
		NodeID:         id,
		Token:          authToken,
		UploadRate:     *uploadRate,
	}, st)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	// A coordinator that is merely down gets retried; a rejected
	// handshake means the credentials are wrong and retrying is noise.
	for {
		err := a.Connect()
		if err == nil {
			break
		}
		if errors.Is(err, agent.ErrAuthRejected) {
			log.Fatalf("Coordinator rejected this node: %v", err)
		}
		log.Printf("Connect failed: %v, retrying in 5s", err)
		time.Sleep(5 * time.Second)
	}

	log.Printf("Node %s online, serving fragments for account %s", id, *accountID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down node...")
	a.Close()
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
