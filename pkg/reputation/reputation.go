// Package reputation tracks storage node behavior and derives the composite
// scores that drive fragment placement and node discovery.
package reputation

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// EventType identifies an observed node behavior. The set is closed;
// RecordEvent rejects anything else.
type EventType string

const (
	EventChunkStored    EventType = "chunk_stored"
	EventChunkRetrieved EventType = "chunk_retrieved"
	EventChunkLost      EventType = "chunk_lost"
	EventUptimeCheck    EventType = "uptime_check"
	EventLatencyCheck   EventType = "latency_check"
)

var knownEvents = map[EventType]bool{
	EventChunkStored:    true,
	EventChunkRetrieved: true,
	EventChunkLost:      true,
	EventUptimeCheck:    true,
	EventLatencyCheck:   true,
}

// Event is a single observation about a node.
type Event struct {
	NodeID         string
	Type           EventType
	Successful     bool
	ResponseTimeMs float64
	Details        string
}

// Tier buckets a composite score for display and policy.
type Tier string

const (
	TierUnproven Tier = "unproven"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Scoring weights and normalization constants.
const (
	weightUptime    = 0.4
	weightLatency   = 0.2
	weightRetrieval = 0.3
	weightStability = 0.1

	// emaAlpha is the weight of the newest observation in the uptime and
	// response-time moving averages.
	emaAlpha = 0.1

	// rtBaselineMs is the response time that scores 100; every
	// rtScaleMsPerPoint above it costs one point.
	rtBaselineMs      = 500.0
	rtScaleMsPerPoint = 45.0

	// ReliableScore and ReliableUptime are the floors a node must clear
	// to be considered for placement.
	ReliableScore  = 70.0
	ReliableUptime = 90.0

	defaultUptime         = 100.0
	defaultResponseTimeMs = 500.0
)

// nodeState is the raw accumulator behind a node's score. A chunk_lost
// event counts into the same failure tally as a failed retrieval, so one
// counter feeds both the success rate and the stability penalty.
type nodeState struct {
	uptime         float64
	responseTimeMs float64
	successes      int64
	failures       int64
	totalStored    int64
	updatedAt      time.Time
}

func newNodeState() *nodeState {
	return &nodeState{
		uptime:         defaultUptime,
		responseTimeMs: defaultResponseTimeMs,
	}
}

// Score is a point-in-time view of a node's standing. Composite is the
// weighted blend of the four components, rounded and clamped to 0..100.
type Score struct {
	NodeID           string    `json:"node_id"`
	Composite        float64   `json:"composite"`
	Uptime           float64   `json:"uptime"`
	ResponseTimeMs   float64   `json:"response_time_ms"`
	RetrievalRate    float64   `json:"retrieval_rate"`
	StorageStability float64   `json:"storage_stability"`
	TotalStored      int64     `json:"total_stored"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
	Tier             Tier      `json:"tier"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Reliable reports whether the node clears both placement floors.
func (s Score) Reliable() bool {
	return s.Composite >= ReliableScore && s.Uptime >= ReliableUptime
}

// TierFor maps a composite score onto its tier.
func TierFor(score float64) Tier {
	switch {
	case score < 60:
		return TierUnproven
	case score < 75:
		return TierBronze
	case score < 85:
		return TierSilver
	case score < 95:
		return TierGold
	default:
		return TierPlatinum
	}
}

// Sink receives every recomputed score. It is called outside the engine
// lock, so implementations may call back into the engine.
type Sink func(Score)

// Engine accumulates events and computes scores. A fresh node starts at
// composite 100 and earns its way down or holds its standing.
type Engine struct {
	mu    sync.RWMutex
	nodes map[string]*nodeState
	sink  Sink
}

// NewEngine creates an empty reputation engine.
func NewEngine() *Engine {
	return &Engine{nodes: make(map[string]*nodeState)}
}

// SetSink installs the score observer. Must be called before events flow.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// RecordEvent applies one observation and returns the node's updated score.
func (e *Engine) RecordEvent(ev Event) (Score, error) {
	if ev.NodeID == "" {
		return Score{}, fmt.Errorf("event has no node id")
	}
	if !knownEvents[ev.Type] {
		return Score{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.ResponseTimeMs < 0 {
		return Score{}, fmt.Errorf("negative response time %f", ev.ResponseTimeMs)
	}

	e.mu.Lock()
	state, ok := e.nodes[ev.NodeID]
	if !ok {
		state = newNodeState()
		e.nodes[ev.NodeID] = state
	}

	switch ev.Type {
	case EventUptimeCheck:
		observed := 0.0
		if ev.Successful {
			observed = 100.0
		}
		state.uptime = (1-emaAlpha)*state.uptime + emaAlpha*observed
	case EventLatencyCheck:
		// no-op unless an observation was actually supplied
		if ev.ResponseTimeMs > 0 {
			state.responseTimeMs = (1-emaAlpha)*state.responseTimeMs + emaAlpha*ev.ResponseTimeMs
		}
	case EventChunkRetrieved:
		if ev.Successful {
			state.successes++
		} else {
			state.failures++
		}
	case EventChunkStored:
		state.totalStored++
	case EventChunkLost:
		state.failures++
	}
	state.updatedAt = time.Now().UTC()

	score := computeScore(ev.NodeID, state)
	sink := e.sink
	e.mu.Unlock()

	if sink != nil {
		sink(score)
	}
	return score, nil
}

// GetScore returns the node's current score. Nodes the engine has never
// seen report the pristine defaults.
func (e *Engine) GetScore(nodeID string) Score {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.nodes[nodeID]
	if !ok {
		return computeScore(nodeID, newNodeState())
	}
	return computeScore(nodeID, state)
}

// Known reports whether the engine has recorded any event for the node.
func (e *Engine) Known(nodeID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.nodes[nodeID]
	return ok
}

// TopNodes returns up to n tracked nodes ordered by descending composite
// score. n <= 0 returns all of them.
func (e *Engine) TopNodes(n int) []Score {
	e.mu.RLock()
	scores := make([]Score, 0, len(e.nodes))
	for id, state := range e.nodes {
		scores = append(scores, computeScore(id, state))
	}
	e.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Composite != scores[j].Composite {
			return scores[i].Composite > scores[j].Composite
		}
		return scores[i].NodeID < scores[j].NodeID
	})

	if n > 0 && n < len(scores) {
		scores = scores[:n]
	}
	return scores
}

func computeScore(nodeID string, state *nodeState) Score {
	retrievalRate := 100.0
	if total := state.successes + state.failures; total > 0 {
		retrievalRate = float64(state.successes) / float64(total) * 100
	}

	denom := state.totalStored
	if denom < 1 {
		denom = 1
	}
	stability := 100 - float64(state.failures)/float64(denom)*200
	if stability < 0 {
		stability = 0
	}

	normalizedRT := clamp(100-(state.responseTimeMs-rtBaselineMs)/rtScaleMsPerPoint, 0, 100)

	composite := clamp(math.Round(
		weightUptime*state.uptime+
			weightLatency*normalizedRT+
			weightRetrieval*retrievalRate+
			weightStability*stability), 0, 100)

	return Score{
		NodeID:           nodeID,
		Composite:        composite,
		Uptime:           state.uptime,
		ResponseTimeMs:   state.responseTimeMs,
		RetrievalRate:    retrievalRate,
		StorageStability: stability,
		TotalStored:      state.totalStored,
		Successes:        state.successes,
		Failures:         state.failures,
		Tier:             TierFor(composite),
		UpdatedAt:        state.updatedAt,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
