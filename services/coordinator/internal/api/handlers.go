package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/p2p-storage/fragment-store/pkg/erasure"
	"github.com/p2p-storage/fragment-store/pkg/reputation"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/distribute"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/models"
	"github.com/p2p-storage/fragment-store/services/coordinator/internal/storage"
)

// getRealIP extracts the real client IP from the request
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return ip
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	storage storage.Storage
	ctrl    *distribute.Controller
	rep     *reputation.Engine
}

// NewHandler creates a new Handler
func NewHandler(s storage.Storage, ctrl *distribute.Controller, rep *reputation.Engine) *Handler {
	return &Handler{storage: s, ctrl: ctrl, rep: rep}
}

// accountFromRequest resolves the acting account: JWT claims when present,
// otherwise the caller-supplied fallback (auth-disabled deployments).
func accountFromRequest(r *http.Request, fallback string) string {
	if claims, ok := GetClaimsFromContext(r.Context()); ok && claims.AccountID != "" {
		return claims.AccountID
	}
	return fallback
}

// RegisterNode handles POST /api/nodes/register
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID       string `json:"account_id"`
		StorageCapacity int64  `json:"storage_capacity"`
		Geolocation     string `json:"geolocation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	accountID := accountFromRequest(r, req.AccountID)
	if accountID == "" {
		sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.StorageCapacity <= 0 {
		sendError(w, http.StatusBadRequest, "storage_capacity must be positive")
		return
	}

	node := &models.StorageNode{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		StorageCapacity: req.StorageCapacity,
		Geolocation:     req.Geolocation,
	}
	if err := h.storage.CreateNode(node); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to register node")
		return
	}
	IncrementNodeRegistration()

	created, _ := h.storage.GetNode(node.ID)
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"node":    created,
	})
}

// GetNode handles GET /api/nodes/{node_id}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if nodeID == "" {
		sendError(w, http.StatusBadRequest, "Node ID required")
		return
	}

	node, ok := h.storage.GetNode(nodeID)
	if !ok {
		sendError(w, http.StatusNotFound, "Node not found")
		return
	}
	sendJSON(w, http.StatusOK, node)
}

// TopNodes handles GET /api/nodes/top?limit=10
func (h *Handler) TopNodes(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	nodes, err := h.storage.TopNodes(limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list nodes")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(nodes),
		"nodes": nodes,
	})
}

// NodeMaintenance handles POST /api/nodes/{node_id}/maintenance. Entering
// maintenance excludes the node from placement and discovery; leaving
// drops it to offline until its next relay authentication.
func (h *Handler) NodeMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if nodeID == "" {
		sendError(w, http.StatusBadRequest, "Node ID required")
		return
	}

	var req struct {
		Maintenance bool `json:"maintenance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	node, ok := h.storage.GetNode(nodeID)
	if !ok {
		sendError(w, http.StatusNotFound, "Node not found")
		return
	}
	if account := accountFromRequest(r, node.AccountID); account != node.AccountID {
		sendError(w, http.StatusNotFound, "Node not found")
		return
	}

	status := models.NodeOffline
	if req.Maintenance {
		status = models.NodeMaintenance
	}
	if err := h.storage.UpdateNodeStatus(nodeID, status); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to update node status")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"node_id": nodeID,
		"status":  status,
	})
}

// NodeReputation handles GET /api/nodes/{node_id}/reputation
func (h *Handler) NodeReputation(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if nodeID == "" {
		sendError(w, http.StatusBadRequest, "Node ID required")
		return
	}
	if _, ok := h.storage.GetNode(nodeID); !ok {
		sendError(w, http.StatusNotFound, "Node not found")
		return
	}

	score := h.rep.GetScore(nodeID)
	sendJSON(w, http.StatusOK, score)
}

// DistributeFile handles POST /api/files/{file_id}/distribute
func (h *Handler) DistributeFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file_id")
	if fileID == "" {
		sendError(w, http.StatusBadRequest, "File ID required")
		return
	}

	var req struct {
		AccountID        string `json:"account_id"`
		Name             string `json:"name"`
		Data             []byte `json:"data"`
		ReliabilityLevel int    `json:"reliability_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ownerID := accountFromRequest(r, req.AccountID)
	if ownerID == "" {
		sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if len(req.Data) == 0 {
		sendError(w, http.StatusBadRequest, "data is required")
		return
	}
	if req.ReliabilityLevel < 1 || req.ReliabilityLevel > erasure.MaxReliabilityLevel {
		sendError(w, http.StatusBadRequest, "reliability_level must be 1..5")
		return
	}

	result, err := h.ctrl.Distribute(r.Context(), distribute.Request{
		FileID:  fileID,
		OwnerID: ownerID,
		Name:    req.Name,
		Data:    req.Data,
		Level:   req.ReliabilityLevel,
	})
	if err != nil {
		if errors.Is(err, distribute.ErrNotFound) {
			sendError(w, http.StatusNotFound, "File not found")
			return
		}
		sendError(w, http.StatusInternalServerError, "Distribution failed: "+err.Error())
		return
	}
	IncrementDistribution(result.Success)

	sendJSON(w, http.StatusOK, result)
}

// RetrieveFile handles GET /api/files/{file_id}
func (h *Handler) RetrieveFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file_id")
	if fileID == "" {
		sendError(w, http.StatusBadRequest, "File ID required")
		return
	}
	ownerID := accountFromRequest(r, r.URL.Query().Get("account_id"))
	if ownerID == "" {
		sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	info, err := h.ctrl.Retrieve(r.Context(), fileID, ownerID)
	if err != nil {
		switch {
		case errors.Is(err, distribute.ErrNotFound):
			sendError(w, http.StatusNotFound, "File not found")
		case errors.Is(err, distribute.ErrInsufficientFragments):
			sendError(w, http.StatusConflict, err.Error())
		default:
			sendError(w, http.StatusInternalServerError, "Retrieval failed: "+err.Error())
		}
		return
	}
	IncrementRetrievalRequest()

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"file_info": info,
	})
}

// FileStatus handles GET /api/files/{file_id}/status, reporting placement
// progress without handing out key material.
func (h *Handler) FileStatus(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file_id")
	if fileID == "" {
		sendError(w, http.StatusBadRequest, "File ID required")
		return
	}
	ownerID := accountFromRequest(r, r.URL.Query().Get("account_id"))

	file, ok := h.storage.GetFile(fileID)
	if !ok || file.AccountID != ownerID {
		sendError(w, http.StatusNotFound, "File not found")
		return
	}

	frags, err := h.storage.FragmentsByFile(fileID)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to load fragments")
		return
	}

	type placementCounts struct {
		Pending  int `json:"pending"`
		Stored   int `json:"stored"`
		Verified int `json:"verified"`
		Failed   int `json:"failed"`
	}
	type fragmentStatus struct {
		Index      int                   `json:"fragment_index"`
		Type       models.FragmentType   `json:"fragment_type"`
		Status     models.FragmentStatus `json:"status"`
		Placements placementCounts       `json:"placements"`
	}

	fullyPlaced := 0
	statuses := make([]fragmentStatus, 0, len(frags))
	for _, f := range frags {
		placements, err := h.storage.PlacementsByFragment(f.ID)
		if err != nil {
			sendError(w, http.StatusInternalServerError, "Failed to load placements")
			return
		}
		var counts placementCounts
		for _, p := range placements {
			switch p.Status {
			case models.PlacementPending:
				counts.Pending++
			case models.PlacementStored:
				counts.Stored++
			case models.PlacementVerified:
				counts.Verified++
			case models.PlacementFailed:
				counts.Failed++
			}
		}
		if counts.Verified >= file.ReliabilityLevel {
			fullyPlaced++
		}
		statuses = append(statuses, fragmentStatus{
			Index:      f.FragmentIndex,
			Type:       f.FragmentType,
			Status:     f.Status,
			Placements: counts,
		})
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":           file.ID,
		"status":            file.Status,
		"reliability_level": file.ReliabilityLevel,
		"data_count":        file.DataCount,
		"parity_count":      file.ParityCount,
		"merkle_root":       file.MerkleRoot,
		"fully_placed":      fullyPlaced,
		"total_fragments":   len(frags),
		"fragments":         statuses,
	})
}

// Helper functions
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
