package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/decloud-network/decloud-node/internal/lease"
	"github.com/decloud-network/decloud-node/internal/marketplace"
	"github.com/decloud-network/decloud-node/internal/settlement"
)

func TestWriteDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"lease not found", lease.ErrLeaseNotFound, http.StatusNotFound, kindNotFound},
		{"no matching host", marketplace.ErrNoCandidate, http.StatusNotFound, kindNotFound},
		{"host not found", marketplace.ErrHostNotFound, http.StatusNotFound, kindNotFound},
		{"duplicate lease", lease.ErrDuplicateLease, http.StatusConflict, kindConflict},
		{"lost claim race", marketplace.ErrClaimConflict, http.StatusConflict, kindConflict},
		{"top-up too small", lease.ErrTopUpTooSmall, http.StatusBadRequest, kindValidation},
		{"not the owner", marketplace.ErrNotOwner, http.StatusForbidden, kindAuth},
		{"settlement failed", settlement.ErrSettlementFailed, http.StatusBadGateway, kindExternal},
		{"teardown exhausted", lease.ErrTeardownFailed, http.StatusBadGateway, kindExternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tc.err)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}

			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Success {
				t.Error("error responses must carry success=false")
			}
			if body.Kind != tc.wantKind {
				t.Errorf("expected kind %q, got %q", tc.wantKind, body.Kind)
			}
		})
	}
}
