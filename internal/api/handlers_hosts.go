package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/decloud-network/decloud-node/internal/api/middleware"
	"github.com/decloud-network/decloud-node/internal/marketplace"
)

type visibilityRequest struct {
	HostID string `json:"host_id"`
	Active bool   `json:"active"`
}

// handleHostRegister records a new host machine offered by its owner. The
// host stays invisible to matching until verification succeeds.
func (s *APIServer) handleHostRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req marketplace.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}
	if req.OwnerKey == "" || req.IPAddress == "" || req.AccessKey == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "owner_key, ip_address and access_key are required")
		return
	}

	host, err := s.allocator.Register(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"host":    host,
	})
}

// handleHostVerify checks the agent's measured specs and access key against
// the registration and prices the host. A successful verification answers
// with an owner token for the authenticated host endpoints.
func (s *APIServer) handleHostVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var report marketplace.VerifyReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}

	host, err := s.allocator.Verify(report)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := s.jwtManager.GenerateToken(host.OwnerKey, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"host":    host,
		"token":   token,
	})
}

// handleHostVisibility toggles whether an owner's host is offered for
// matching
func (s *APIServer) handleHostVisibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "host_id is required")
		return
	}

	if err := s.allocator.SetVisibility(claims.WalletAddress, req.HostID, req.Active); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleHostList returns every host the caller registered
func (s *APIServer) handleHostList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	hosts, err := s.allocator.ListByOwner(claims.WalletAddress)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"hosts":   hosts,
	})
}

// handleHostByID routes /api/hosts/{id} and its sub-resources
func (s *APIServer) handleHostByID(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/hosts/")
	parts := strings.Split(path, "/")
	hostID := parts[0]
	if hostID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "host id is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
			return
		}
		host, err := s.allocator.GetHost(hostID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"host":    host,
		})
		return
	}

	if parts[1] == "claim-earnings" && r.Method == http.MethodPost {
		amount, txRef, err := s.allocator.ClaimEarnings(r.Context(), claims.WalletAddress, hostID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"amount":  amount,
			"tx_ref":  txRef,
		})
		return
	}

	writeError(w, http.StatusNotFound, kindNotFound, "unknown host resource")
}
