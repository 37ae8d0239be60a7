package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decloud-network/decloud-node/internal/lease"
	"github.com/decloud-network/decloud-node/internal/marketplace"
	"github.com/decloud-network/decloud-node/internal/provision"
	"github.com/decloud-network/decloud-node/internal/settlement"
)

// Error kinds returned in API responses
const (
	kindValidation = "validation"
	kindNotFound   = "not_found"
	kindConflict   = "conflict"
	kindAuth       = "authorization"
	kindExternal   = "external_dependency"
	kindInternal   = "internal"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Success: false, Kind: kind, Message: message})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses and kinds
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lease.ErrLeaseNotFound),
		errors.Is(err, marketplace.ErrHostNotFound),
		errors.Is(err, marketplace.ErrNoCandidate),
		errors.Is(err, provision.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())

	case errors.Is(err, lease.ErrDuplicateLease),
		errors.Is(err, lease.ErrLeaseNotActive),
		errors.Is(err, marketplace.ErrClaimConflict),
		errors.Is(err, marketplace.ErrHostExists):
		writeError(w, http.StatusConflict, kindConflict, err.Error())

	case errors.Is(err, lease.ErrInvalidRequest),
		errors.Is(err, lease.ErrTopUpTooSmall),
		errors.Is(err, lease.ErrNotEscrow),
		errors.Is(err, marketplace.ErrVerifyMismatch),
		errors.Is(err, marketplace.ErrNothingToClaim):
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())

	case errors.Is(err, marketplace.ErrNotOwner),
		errors.Is(err, marketplace.ErrInvalidAccessKey):
		writeError(w, http.StatusForbidden, kindAuth, err.Error())

	case errors.Is(err, settlement.ErrSettlementFailed),
		errors.Is(err, settlement.ErrSettlementTimeout),
		errors.Is(err, settlement.ErrNotConfirmed),
		errors.Is(err, provision.ErrProvisionFailed),
		errors.Is(err, provision.ErrProvisionTimeout),
		errors.Is(err, lease.ErrTeardownFailed):
		writeError(w, http.StatusBadGateway, kindExternal, err.Error())

	default:
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
	}
}
