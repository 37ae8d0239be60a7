package api

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

type challengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"` // base58
}

// handleAuthChallenge issues a one-time login challenge for a wallet
func (s *APIServer) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "wallet_address is required")
		return
	}

	challenge, err := s.challenges.Issue(req.WalletAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to issue challenge")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"challenge": challenge,
	})
}

// handleAuthVerify checks the wallet's signature over its outstanding
// challenge and returns an API token. Wallet public keys are Ed25519.
func (s *APIServer) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "wallet_address and signature are required")
		return
	}

	challenge := s.challenges.Consume(req.WalletAddress)
	if challenge == "" {
		writeError(w, http.StatusUnauthorized, kindAuth, "no valid challenge for this wallet")
		return
	}

	pubKey, err := base58.Decode(req.WalletAddress)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid wallet address")
		return
	}
	signature, err := base58.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid signature encoding")
		return
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(challenge), signature) {
		writeError(w, http.StatusUnauthorized, kindAuth, "signature verification failed")
		return
	}

	token, err := s.jwtManager.GenerateToken(req.WalletAddress, 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
	})
}
