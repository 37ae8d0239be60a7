package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/decloud-network/decloud-node/internal/api/middleware"
	"github.com/decloud-network/decloud-node/internal/lease"
	"github.com/decloud-network/decloud-node/internal/marketplace"
	"github.com/decloud-network/decloud-node/internal/provision"
	"github.com/decloud-network/decloud-node/internal/types"
)

type createLeaseRequest struct {
	LeaseID         string              `json:"lease_id,omitempty"`
	PaymentMode     string              `json:"payment_mode"`
	Funding         uint64              `json:"funding"`
	DurationSeconds int64               `json:"duration_seconds,omitempty"`
	Region          string              `json:"region,omitempty"`
	Requirements    *types.Requirements `json:"requirements,omitempty"`
	Spec            provision.Spec      `json:"spec"`
	AllowedRefs     []string            `json:"allowed_refs,omitempty"`
	TunnelSecret    string              `json:"tunnel_secret,omitempty"`
}

type topUpRequest struct {
	Amount uint64 `json:"amount"`
}

type credentialRequest struct {
	AllowedRefs  []string `json:"allowed_refs,omitempty"`
	TunnelSecret string   `json:"tunnel_secret,omitempty"`
	TTLSeconds   int64    `json:"ttl_seconds,omitempty"`
}

// handleLeases routes the lease collection endpoint
func (s *APIServer) handleLeases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListLeases(w, r)
	case http.MethodPost:
		s.handleCreateLease(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
	}
}

// handleCreateLease opens a lease. With requirements present the resource is
// matched and claimed on the marketplace; otherwise the provisioning spec is
// used directly. The response carries a relay credential scoped to the lease.
func (s *APIServer) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	var req createLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}

	mode := types.PaymentMode(strings.ToUpper(req.PaymentMode))
	if mode != types.PaymentModeDuration && mode != types.PaymentModeEscrow {
		writeError(w, http.StatusBadRequest, kindValidation, "payment_mode must be DURATION or ESCROW")
		return
	}

	createReq := lease.CreateRequest{
		TenantID:        claims.WalletAddress,
		LeaseID:         req.LeaseID,
		PaymentMode:     mode,
		Funding:         req.Funding,
		DurationSeconds: req.DurationSeconds,
		Region:          req.Region,
		Spec:            req.Spec,
	}

	var claimedHost *types.HostMachine
	if req.Requirements != nil {
		host, err := s.allocator.Allocate(*req.Requirements)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		claimedHost = host
		createReq.HostID = host.ID
		createReq.OwnerIdentity = host.OwnerKey
		createReq.PerHourPrice = host.PerHourPrice
		createReq.Spec.HostID = host.ID
		if createReq.Spec.CPU == 0 {
			createReq.Spec.CPU = req.Requirements.CPU
			createReq.Spec.RAM = req.Requirements.RAM
			createReq.Spec.DiskSize = req.Requirements.DiskSize
		}
	} else if mode == types.PaymentModeEscrow && createReq.PerHourPrice == 0 {
		createReq.PerHourPrice = marketplace.PerHourPrice(req.Spec.CPU, req.Spec.RAM, req.Spec.DiskSize)
	}

	l, err := s.leases.CreateLease(r.Context(), createReq)
	if err != nil {
		if claimedHost != nil {
			s.allocator.Release(claimedHost.ID)
		}
		writeDomainError(w, err)
		return
	}

	allowedRefs := req.AllowedRefs
	if len(allowedRefs) == 0 {
		allowedRefs = []string{"*"}
	}
	credential, err := s.broker.IssueCredential(l.TenantID, l.ID, allowedRefs, req.TunnelSecret, l.EndTime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to issue relay credential")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"lease":      l,
		"credential": credential,
	})
}

// handleListLeases returns the caller's live leases
func (s *APIServer) handleListLeases(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	leases, err := s.leases.List(claims.WalletAddress)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"leases":  leases,
	})
}

// handleLeaseByID routes /api/leases/{id} and its sub-resources
func (s *APIServer) handleLeaseByID(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.GetClaims(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindAuth, "authentication required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/leases/")
	parts := strings.Split(path, "/")
	leaseID := parts[0]
	if leaseID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "lease id is required")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleLeaseStatus(w, r, claims.WalletAddress, leaseID)
		case http.MethodDelete:
			s.handleTerminateLease(w, r, claims.WalletAddress, leaseID)
		default:
			writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "topup":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
			return
		}
		s.handleTopUpLease(w, r, claims.WalletAddress, leaseID)
	case "credential":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
			return
		}
		s.handleIssueCredential(w, r, claims.WalletAddress, leaseID)
	default:
		writeError(w, http.StatusNotFound, kindNotFound, "unknown lease resource")
	}
}

// handleLeaseStatus returns the lease record plus a live provisioning status
// when a resource is attached
func (s *APIServer) handleLeaseStatus(w http.ResponseWriter, r *http.Request, tenantID, leaseID string) {
	l, resourceStatus, err := s.leases.RefreshStatus(r.Context(), tenantID, leaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := map[string]interface{}{
		"success": true,
		"lease":   l,
	}
	if resourceStatus != "" {
		response["resource_status"] = resourceStatus
	}

	writeJSON(w, http.StatusOK, response)
}

// handleTopUpLease extends an escrow lease
func (s *APIServer) handleTopUpLease(w http.ResponseWriter, r *http.Request, tenantID, leaseID string) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}

	l, err := s.leases.TopUp(r.Context(), tenantID, leaseID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"lease":   l,
	})
}

// handleTerminateLease tears a lease down at the tenant's request. Repeats
// are accepted and answer success without re-running teardown.
func (s *APIServer) handleTerminateLease(w http.ResponseWriter, r *http.Request, tenantID, leaseID string) {
	if _, err := s.leases.Get(tenantID, leaseID); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.leases.Terminate(r.Context(), leaseID, types.TerminateReasonUserRequest); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleIssueCredential mints a fresh relay credential for a live lease,
// capped at the lease's expiry
func (s *APIServer) handleIssueCredential(w http.ResponseWriter, r *http.Request, tenantID, leaseID string) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return
	}

	l, err := s.leases.Get(tenantID, leaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if l.Status != types.LeaseStatusRunning && l.Status != types.LeaseStatusStarting {
		writeDomainError(w, lease.ErrLeaseNotActive)
		return
	}

	expiresAt := l.EndTime
	if req.TTLSeconds > 0 {
		requested := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		if requested.Before(expiresAt) {
			expiresAt = requested
		}
	}

	allowedRefs := req.AllowedRefs
	if len(allowedRefs) == 0 {
		allowedRefs = []string{"*"}
	}

	credential, err := s.broker.IssueCredential(tenantID, leaseID, allowedRefs, req.TunnelSecret, expiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to issue relay credential")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"credential": credential,
		"expires_at": expiresAt,
	})
}
