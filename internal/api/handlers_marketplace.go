package api

import (
	"encoding/json"
	"net/http"

	"github.com/decloud-network/decloud-node/internal/types"
)

type hostIDRequest struct {
	HostID string `json:"host_id"`
}

// handleMarketplaceFind returns the first eligible host matching the
// requirements without claiming it
func (s *APIServer) handleMarketplaceFind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req types.Requirements
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}

	host, err := s.allocator.Find(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"host":    host,
	})
}

// handleMarketplaceClaim claims a specific host. Exactly one of any number
// of concurrent claims succeeds.
func (s *APIServer) handleMarketplaceClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req hostIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "host_id is required")
		return
	}

	if err := s.allocator.Claim(req.HostID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleMarketplaceRelease frees a claimed host
func (s *APIServer) handleMarketplaceRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req hostIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "host_id is required")
		return
	}

	if err := s.allocator.Release(req.HostID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleMarketplacePenalize excludes a misbehaving host and forfeits its
// standing with the settlement authority
func (s *APIServer) handleMarketplacePenalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req hostIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "host_id is required")
		return
	}

	if err := s.allocator.Penalize(r.Context(), req.HostID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}
