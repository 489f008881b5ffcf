// Package config collects the coordinator's settings from command-line
// flags with environment fallbacks.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the coordinator needs to start.
type Config struct {
	Addr        string
	PostgresURL string
	JWTSecret   string
	MasterKey   string
	APIKeys     []string
	StageDir    string
	CoderScheme string
	MinScore    float64
	RateLimit   float64
	TokenTTL    time.Duration
}

// Load parses flags, falling back to environment variables for anything
// not set on the command line.
func Load() *Config {
	addr := flag.String("addr", envOr("COORDINATOR_ADDR", ":8080"), "Coordinator listen address")
	dbURL := flag.String("db", "", "PostgreSQL connection string (or use POSTGRES_URL env)")
	jwtSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "JWT signing secret (empty disables API auth)")
	masterKey := flag.String("master-key", os.Getenv("MASTER_KEY"), "Master secret for file key escrow")
	apiKeys := flag.String("api-keys", os.Getenv("API_KEYS"), "Comma-separated API keys accepted at /api/auth/login")
	stageDir := flag.String("stage", os.Getenv("STAGE_DIR"), "Ciphertext staging directory (empty stages in memory)")
	coder := flag.String("coder", envOr("CODER_SCHEME", "xor"), "Erasure coding scheme: xor or rs")
	minScore := flag.Float64("min-score", 0, "Minimum reputation for placement (0 uses the built-in floor)")
	rateLimit := flag.Float64("rate-limit", envFloat("RATE_LIMIT", 0), "General API requests per second (0 uses the default)")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of issued JWTs")
	flag.Parse()

	connStr := *dbURL
	if connStr == "" {
		connStr = os.Getenv("POSTGRES_URL")
		if connStr == "" {
			connStr = os.Getenv("DATABASE_URL")
		}
	}

	return &Config{
		Addr:        *addr,
		PostgresURL: connStr,
		JWTSecret:   *jwtSecret,
		MasterKey:   *masterKey,
		APIKeys:     splitKeys(*apiKeys),
		StageDir:    *stageDir,
		CoderScheme: *coder,
		MinScore:    *minScore,
		RateLimit:   *rateLimit,
		TokenTTL:    *tokenTTL,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
